// ABOUTME: Named client groups used by dashboards to address several agents
// ABOUTME: at once.

package state

import (
	"context"
	"fmt"

	"github.com/2389/chorus-control/internal/protocol"
	"github.com/2389/chorus-control/internal/store"
)

// CreateGroup allocates an empty group with a default name.
func (s *State) CreateGroup(ctx context.Context, nonce *uint64) (uint16, error) {
	s.mu.Lock()
	id := s.nextIDLocked()
	group := &store.Group{ID: id, Name: fmt.Sprintf("Group #%d", id)}
	s.groups = append(s.groups, group)
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.notifyDashboard(protocol.GroupCreated(id), nonce)
	return id, err
}

// RenameGroup sets the group's display name.
func (s *State) RenameGroup(ctx context.Context, id uint16, name string, nonce *uint64) error {
	s.mu.Lock()
	group := s.groupLocked(id)
	if group == nil {
		s.mu.Unlock()
		return ErrGroupNotFound
	}
	group.Name = name
	err := s.persistLocked(ctx)
	view := cloneGroup(group)
	s.mu.Unlock()

	s.notifyDashboard(protocol.GroupEdited(view), nonce)
	return err
}

// AddGroupMember adds the client to the group. Both must exist; adding a
// member twice changes nothing and announces nothing.
func (s *State) AddGroupMember(ctx context.Context, groupID, clientID uint16, nonce *uint64) error {
	s.mu.Lock()
	group := s.groupLocked(groupID)
	if group == nil {
		s.mu.Unlock()
		return ErrGroupNotFound
	}
	if s.clientLocked(clientID) == nil {
		s.mu.Unlock()
		return ErrClientNotFound
	}
	if group.HasMember(clientID) {
		s.mu.Unlock()
		return nil
	}
	group.Members = append(group.Members, clientID)
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.notifyDashboard(protocol.GroupMemberAdded(groupID, clientID), nonce)
	return err
}

// RemoveGroupMember drops the client from the group. Removing an absent
// member changes nothing and announces nothing.
func (s *State) RemoveGroupMember(ctx context.Context, groupID, clientID uint16, nonce *uint64) error {
	s.mu.Lock()
	group := s.groupLocked(groupID)
	if group == nil {
		s.mu.Unlock()
		return ErrGroupNotFound
	}
	removed := false
	for i, m := range group.Members {
		if m == clientID {
			group.Members = append(group.Members[:i], group.Members[i+1:]...)
			removed = true
			break
		}
	}
	var err error
	if removed {
		err = s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if removed {
		s.notifyDashboard(protocol.GroupMemberDeleted(groupID, clientID), nonce)
	}
	return err
}

// DeleteGroup removes the group entirely. Member clients are unaffected.
func (s *State) DeleteGroup(ctx context.Context, id uint16, nonce *uint64) error {
	s.mu.Lock()
	group := s.groupLocked(id)
	if group == nil {
		s.mu.Unlock()
		return ErrGroupNotFound
	}
	for i, g := range s.groups {
		if g.ID == id {
			s.groups = append(s.groups[:i], s.groups[i+1:]...)
			break
		}
	}
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.notifyDashboard(protocol.GroupDeleted(id), nonce)
	return err
}

// GroupMembers returns the member ids of a group.
func (s *State) GroupMembers(id uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group := s.groupLocked(id)
	if group == nil {
		return nil, ErrGroupNotFound
	}
	members := make([]uint16, len(group.Members))
	copy(members, group.Members)
	return members, nil
}
