package reactions

import (
	"errors"
	"fmt"

	"github.com/CedrosPay/microcharge/internal/payments"
)

// Event types sent by listeners.
const (
	EventPlay     = "PLAY"
	EventStop     = "STOP"
	EventReaction = "REACTION"
)

// Private notification types.
const (
	NotificationLimitReached = "LIMIT_REACHED"
	NotificationPaymentError = "PAYMENT_ERROR"
)

// Outbound frame kinds.
const (
	FrameEvent        = "event"
	FrameNotification = "notification"
	FrameError        = "error"
)

var (
	// ErrInvalidEvent is returned for events missing a subject or identity.
	ErrInvalidEvent = errors.New("reactions: invalid event")
	// ErrUnknownEvent is returned for event types other than PLAY, STOP and REACTION.
	ErrUnknownEvent = errors.New("reactions: unknown event type")
)

// Event is a listener action on a subject. Identity is always taken from
// the connection, never from the payload.
type Event struct {
	Type      string `json:"type"`
	Identity  string `json:"identity"`
	SubjectID string `json:"subjectId"`
	Content   string `json:"content,omitempty"`
}

func (e Event) validate() error {
	switch {
	case e.Identity == "":
		return fmt.Errorf("%w: identity is required", ErrInvalidEvent)
	case e.SubjectID == "":
		return fmt.Errorf("%w: subjectId is required", ErrInvalidEvent)
	}
	return nil
}

// Notification is delivered only to the identity whose reaction was refused.
type Notification struct {
	Type    string          `json:"type"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Status  payments.Status `json:"status"`
}

// FrameErr describes a frame the gateway could not process.
type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the envelope for everything written to a connection.
type Frame struct {
	Kind         string        `json:"kind"`
	Event        *Event        `json:"event,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Error        *FrameErr     `json:"error,omitempty"`
}
