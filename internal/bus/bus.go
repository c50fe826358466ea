// Package bus is the typed publish/subscribe channel that relays session
// events between manager instances and, via the file-backed implementation,
// between processes sharing a state directory.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/tokenfront/internal/session"
)

// MessageType tags the closed set of messages carried on the channel
type MessageType string

const (
	TypeSessionUpdated   MessageType = "session-updated"
	TypeLogout           MessageType = "logout"
	TypeRotationDetected MessageType = "session-rotation-detected"
	TypeRecoveryNeeded   MessageType = "session-recovery-needed"
	TypeProfileUpdated   MessageType = "profile-updated"
)

// Message is one of the closed set of channel messages
type Message interface {
	MessageType() MessageType
}

// SessionUpdated announces a successful refresh or code exchange. SavedAt
// lets receivers reject stale snapshots.
type SessionUpdated struct {
	Session *session.Session `json:"session"`
	SavedAt time.Time        `json:"saved_at"`
}

func (SessionUpdated) MessageType() MessageType { return TypeSessionUpdated }

// Logout announces an explicit sign-out. Receivers clear their local session
// unconditionally.
type Logout struct{}

func (Logout) MessageType() MessageType { return TypeLogout }

// RotationDetected announces that the authorization server rotated its own
// session cookie during an exchange
type RotationDetected struct {
	Cookies   []string  `json:"cookies"`
	Timestamp time.Time `json:"timestamp"`
}

func (RotationDetected) MessageType() MessageType { return TypeRotationDetected }

// RecoveryNeeded announces an unrecoverable auth failure in some instance.
// Receivers attempt a debounced background refresh that never clears their
// session on failure.
type RecoveryNeeded struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (RecoveryNeeded) MessageType() MessageType { return TypeRecoveryNeeded }

// ProfileUpdated announces a change to the user profile
type ProfileUpdated struct{}

func (ProfileUpdated) MessageType() MessageType { return TypeProfileUpdated }

// Handler receives messages published by other senders
type Handler func(Message)

// Bus relays messages between subscribers. A subscriber never receives its
// own messages: sender identity is compared on delivery.
type Bus interface {
	Publish(sender string, msg Message) error
	Subscribe(sender string, handler Handler) (unsubscribe func())
	Close() error
}

// envelope is the wire form used by the file-backed bus
type envelope struct {
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func encodeMessage(sender string, msg Message, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msg.MessageType(), err)
	}
	return json.Marshal(envelope{
		Type:      msg.MessageType(),
		Sender:    sender,
		Timestamp: now,
		Payload:   payload,
	})
}

func decodeMessage(env envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case TypeSessionUpdated:
		msg = &SessionUpdated{}
	case TypeLogout:
		msg = &Logout{}
	case TypeRotationDetected:
		msg = &RotationDetected{}
	case TypeRecoveryNeeded:
		msg = &RecoveryNeeded{}
	case TypeProfileUpdated:
		msg = &ProfileUpdated{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshaling %s payload: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

// deref returns the value form so handlers can type-switch on concrete
// message structs regardless of the decoding path
func deref(msg Message) Message {
	switch v := msg.(type) {
	case *SessionUpdated:
		return *v
	case *Logout:
		return *v
	case *RotationDetected:
		return *v
	case *RecoveryNeeded:
		return *v
	case *ProfileUpdated:
		return *v
	default:
		return msg
	}
}
