// Package coreerr defines the closed-set, client-visible error taxonomy
// shared by every component in the collaboration core. Errors are typed
// values, never ad hoc strings — the dispatcher is the only place that
// turns one into a wire "error" frame.
package coreerr

// Code is one of the client-visible error strings from the spec's error
// taxonomy. Handshake-fatal codes close the channel; all others become an
// in-session "error" frame and leave the channel open.
type Code string

const (
	NoToken            Code = "NO_TOKEN"
	BadToken           Code = "BAD_TOKEN"
	ProjectNotFound    Code = "PROJECT_NOT_FOUND"
	NotACollaborator   Code = "NOT_A_COLLABORATOR"
	TooManyConnections Code = "TOO_MANY_CONNECTIONS"

	InvalidMessage        Code = "INVALID_MESSAGE"
	ParseError            Code = "PARSE_ERROR"
	ValidationError       Code = "VALIDATION_ERROR"
	UnknownMessageType    Code = "UNKNOWN_MESSAGE_TYPE"
	UnknownPresenceAction Code = "UNKNOWN_PRESENCE_ACTION"
	UnknownLockAction     Code = "UNKNOWN_LOCK_ACTION"
	InvalidPayload        Code = "INVALID_PAYLOAD"
	ProjectMismatch       Code = "PROJECT_MISMATCH"
	ActorMismatch         Code = "ACTOR_MISMATCH"
	Forbidden             Code = "FORBIDDEN"
	Conflict              Code = "CONFLICT"
	RateLimited           Code = "RATE_LIMITED"
	NotImplemented        Code = "NOT_IMPLEMENTED"
	ProcessingError       Code = "PROCESSING_ERROR"
)

// handshakeFatal is the set of codes that close the channel with 4001
// rather than being reported as an in-session "error" frame.
var handshakeFatal = map[Code]bool{
	NoToken:            true,
	BadToken:           true,
	ProjectNotFound:    true,
	NotACollaborator:   true,
	TooManyConnections: true,
}

// IsHandshakeFatal reports whether code should close the channel instead
// of being surfaced as an in-session error frame.
func IsHandshakeFatal(code Code) bool { return handshakeFatal[code] }

// Error is a typed, closed-set error carrying the code the client sees
// plus a human-readable message and, when relevant, the eventId it
// concerns.
type Error struct {
	Code    Code
	Message string
	EventID string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// New constructs an Error with no associated event.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithEvent constructs an Error naming the offending eventId.
func WithEvent(code Code, message, eventID string) *Error {
	return &Error{Code: code, Message: message, EventID: eventID}
}
