// ABOUTME: Dashboard-facing event vocabulary and the SSE envelope.
// ABOUTME: Every envelope carries the ack counter value and an optional caller nonce.

package protocol

// DashboardEvent mirrors every registry mutation for observers. Payload shapes
// vary per type; snapshot-style payloads (Ready, ClientCreated, GroupEdited)
// are supplied by the registry as plain structs.
type DashboardEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Envelope is the JSON body of one dashboard SSE event.
type Envelope struct {
	Payload DashboardEvent `json:"payload"`
	Ack     uint64         `json:"ack"`
	Nonce   *uint64        `json:"nonce"`
}

// mediaClientRef identifies a (media, client) pair in dashboard payloads.
type mediaClientRef struct {
	Media  uint16 `json:"media"`
	Client uint16 `json:"client"`
}

// groupClientRef identifies a (group, client) pair in dashboard payloads.
type groupClientRef struct {
	Group  uint16 `json:"group"`
	Client uint16 `json:"client"`
}

// DashboardReady wraps the initial full-state snapshot sent once per
// dashboard connection. The snapshot struct is owned by the registry.
func DashboardReady(snapshot any) DashboardEvent {
	return DashboardEvent{Type: "Ready", Payload: snapshot}
}

// ClientCreated announces a newly registered agent record.
func ClientCreated(client any) DashboardEvent {
	return DashboardEvent{Type: "ClientCreated", Payload: client}
}

// ClientConnected announces a new live stream for an existing agent.
func ClientConnected(id uint16) DashboardEvent {
	return DashboardEvent{Type: "ClientConnected", Payload: id}
}

// ClientDisconnected reports the set of agents the sweeper just demoted.
func ClientDisconnected(ids []uint16) DashboardEvent {
	return DashboardEvent{Type: "ClientDisconnected", Payload: ids}
}

// ClientDeleted reports deletion finalization for an agent.
func ClientDeleted(id uint16) DashboardEvent {
	return DashboardEvent{Type: "ClientDeleted", Payload: id}
}

// ClientRenamed reports an alias change; a nil alias clears it.
func ClientRenamed(id uint16, alias *string) DashboardEvent {
	return DashboardEvent{Type: "ClientRenamed", Payload: struct {
		ID    uint16  `json:"id"`
		Alias *string `json:"alias"`
	}{id, alias}}
}

// MediaCreated reports a completed upload with its probed duration.
func MediaCreated(id uint16, name string, length uint64) DashboardEvent {
	return DashboardEvent{Type: "MediaCreated", Payload: struct {
		ID     uint16 `json:"id"`
		Name   string `json:"name"`
		Length uint64 `json:"length"`
	}{id, name, length}}
}

// MediaDeleted reports removal of a media record.
func MediaDeleted(id uint16) DashboardEvent {
	return DashboardEvent{Type: "MediaDeleted", Payload: id}
}

// MediaDownloaded reports the first successful download of a media by a client.
func MediaDownloaded(media, client uint16) DashboardEvent {
	return DashboardEvent{Type: "MediaDownloaded", Payload: mediaClientRef{media, client}}
}

// MediaStarted reports an acknowledged playback start.
func MediaStarted(media, client uint16) DashboardEvent {
	return DashboardEvent{Type: "MediaStarted", Payload: mediaClientRef{media, client}}
}

// MediaStopped reports the end of a playback session, whether acknowledged
// or inferred by the watchdog. Emitted exactly once per session.
func MediaStopped(client uint16) DashboardEvent {
	return DashboardEvent{Type: "MediaStopped", Payload: client}
}

// GroupCreated reports a new empty group.
func GroupCreated(id uint16) DashboardEvent {
	return DashboardEvent{Type: "GroupCreated", Payload: id}
}

// GroupEdited carries the full updated group record.
func GroupEdited(group any) DashboardEvent {
	return DashboardEvent{Type: "GroupEdited", Payload: group}
}

// GroupMemberAdded reports a membership addition.
func GroupMemberAdded(group, client uint16) DashboardEvent {
	return DashboardEvent{Type: "GroupMemberAdded", Payload: groupClientRef{group, client}}
}

// GroupMemberDeleted reports a membership removal.
func GroupMemberDeleted(group, client uint16) DashboardEvent {
	return DashboardEvent{Type: "GroupMemberDeleted", Payload: groupClientRef{group, client}}
}

// GroupDeleted reports removal of a group.
func GroupDeleted(id uint16) DashboardEvent {
	return DashboardEvent{Type: "GroupDeleted", Payload: id}
}
