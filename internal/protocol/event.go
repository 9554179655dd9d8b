// ABOUTME: Wire representation of agent-directed events and the frame encoder.
// ABOUTME: One frame is a tagged JSON document followed by a single NUL terminator.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Terminator delimits frames on the agent channel. JSON escapes control
// characters, so an encoded document can never contain a raw NUL byte.
const Terminator byte = 0x00

// EventType discriminates the agent-directed event union.
type EventType string

const (
	TypeReady         EventType = "Ready"
	TypePing          EventType = "Ping"
	TypeDownloadMedia EventType = "DownloadMedia"
	TypeDeleteMedia   EventType = "DeleteMedia"
	TypePlayMedia     EventType = "PlayMedia"
	TypeStopMedia     EventType = "StopMedia"
	TypeShutdown      EventType = "Shutdown"
	TypeSelfDestruct  EventType = "SelfDestruct"
)

// Event is one agent-directed event: a discriminator plus an optional payload.
// Payload is kept raw so the decoder stays agnostic of per-type shapes.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ready builds the handshake event carrying the pending-deletion flag.
func Ready(pendingDeletion bool) Event {
	return Event{Type: TypeReady, Payload: mustRaw(pendingDeletion)}
}

// Ping builds the liveness probe event.
func Ping() Event {
	return Event{Type: TypePing}
}

// DownloadMedia instructs the agent to fetch the media with the given id.
func DownloadMedia(id uint16) Event {
	return Event{Type: TypeDownloadMedia, Payload: mustRaw(id)}
}

// DeleteMedia instructs the agent to drop its local copy of the media.
func DeleteMedia(id uint16) Event {
	return Event{Type: TypeDeleteMedia, Payload: mustRaw(id)}
}

// PlayMedia instructs the agent to start playback of the media.
func PlayMedia(id uint16) Event {
	return Event{Type: TypePlayMedia, Payload: mustRaw(id)}
}

// StopMedia instructs the agent to stop whatever is currently playing.
func StopMedia() Event {
	return Event{Type: TypeStopMedia}
}

// Shutdown asks the agent process to exit without any durable state change.
func Shutdown() Event {
	return Event{Type: TypeShutdown}
}

// SelfDestruct tells the agent it has been marked for deletion and must
// wipe itself and call back to finalize.
func SelfDestruct() Event {
	return Event{Type: TypeSelfDestruct}
}

// Bool decodes a boolean payload (Ready).
func (e Event) Bool() (bool, error) {
	var v bool
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return false, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return v, nil
}

// MediaID decodes a numeric media-id payload (DownloadMedia, DeleteMedia, PlayMedia).
func (e Event) MediaID() (uint16, error) {
	var v uint16
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return 0, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return v, nil
}

// Encode serializes the event into one complete frame: the JSON document
// plus the trailing terminator byte.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", e.Type, err)
	}
	return append(data, Terminator), nil
}

// MustEncode is Encode for events built by the constructors in this package,
// which cannot fail to marshal.
func MustEncode(e Event) []byte {
	data, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return data
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
