// ABOUTME: Tests for group CRUD and change-only announcements.

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroups_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	clientID, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	groupID, err := s.CreateGroup(ctx, nil)
	require.NoError(t, err)
	env := recvEnvelope(t, d)
	assert.Equal(t, "GroupCreated", env.Payload.Type)
	assert.Equal(t, groupID, env.Payload.Payload)

	require.NoError(t, s.RenameGroup(ctx, groupID, "lobby speakers", nil))
	env = recvEnvelope(t, d)
	assert.Equal(t, "GroupEdited", env.Payload.Type)

	require.NoError(t, s.AddGroupMember(ctx, groupID, clientID, nil))
	env = recvEnvelope(t, d)
	assert.Equal(t, "GroupMemberAdded", env.Payload.Type)

	members, err := s.GroupMembers(groupID)
	require.NoError(t, err)
	assert.Equal(t, []uint16{clientID}, members)

	require.NoError(t, s.RemoveGroupMember(ctx, groupID, clientID, nil))
	env = recvEnvelope(t, d)
	assert.Equal(t, "GroupMemberDeleted", env.Payload.Type)

	require.NoError(t, s.DeleteGroup(ctx, groupID, nil))
	env = recvEnvelope(t, d)
	assert.Equal(t, "GroupDeleted", env.Payload.Type)

	_, err = s.GroupMembers(groupID)
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestGroups_RepeatMembershipChangesAnnounceNothing(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestState(t)

	clientID, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	groupID, err := s.CreateGroup(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddGroupMember(ctx, groupID, clientID, nil))

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	saves := ms.SaveCount
	require.NoError(t, s.AddGroupMember(ctx, groupID, clientID, nil))
	requireNoEnvelope(t, d, 50*time.Millisecond)
	assert.Equal(t, saves, ms.SaveCount)

	require.NoError(t, s.RemoveGroupMember(ctx, groupID, clientID, nil))
	recvEnvelope(t, d)

	require.NoError(t, s.RemoveGroupMember(ctx, groupID, clientID, nil))
	requireNoEnvelope(t, d, 50*time.Millisecond)
}

func TestGroups_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	groupID, err := s.CreateGroup(ctx, nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.RenameGroup(ctx, 404, "x", nil), ErrGroupNotFound)
	require.ErrorIs(t, s.AddGroupMember(ctx, 404, 1, nil), ErrGroupNotFound)
	require.ErrorIs(t, s.AddGroupMember(ctx, groupID, 404, nil), ErrClientNotFound)
	require.ErrorIs(t, s.RemoveGroupMember(ctx, 404, 1, nil), ErrGroupNotFound)
	require.ErrorIs(t, s.DeleteGroup(ctx, 404, nil), ErrGroupNotFound)
}
