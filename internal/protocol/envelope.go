// Package protocol defines the wire envelope exchanged over the
// collaboration channel and the codec that parses and validates it.
//
// Inbound frames are tagged objects of the form {type, data}. DecodeFrame
// and the per-type DecodeEvent/DecodePresence/DecodeLock/DecodeSync turn
// them into typed Frame/Event/PresenceMessage/LockMessage/SyncMessage
// values; only an event's payload and a presence delta stay raw JSON,
// which the dispatcher decodes per kind.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Inbound outer message types.
const (
	TypePing     = "ping"
	TypeEvent    = "event"
	TypePresence = "presence"
	TypeLock     = "lock"
	TypeSync     = "sync"
)

// Outbound outer message types.
const (
	TypeConnected    = "connected"
	TypeAck          = "ack"
	TypeError        = "error"
	TypePong         = "pong"
	TypeEventOut     = "event"
	TypePresenceOut  = "presence"
	TypeLockOut      = "lock"
	TypeLockResponse = "lock_response"
)

// EventVersion is the only version this codec currently accepts.
const EventVersion = "1.0"

// Event kinds recognized by the codec; anything outside this closed set
// fails validation.
var eventKinds = map[string]bool{
	"clip.add":             true,
	"clip.move":            true,
	"clip.delete":          true,
	"track.add":            true,
	"track.update":         true,
	"track.delete":         true,
	"track.reorder":        true,
	"plugin.add":           true,
	"plugin.update":        true,
	"plugin.delete":        true,
	"plugin.reorder":       true,
	"plugin.param_change":  true,
	"plugin.param_batch":   true,
	"transport.play":       true,
	"transport.pause":      true,
	"transport.stop":       true,
	"transport.seek":       true,
	"transport.tempo":      true,
}

// payloadRequiredFields names the minimal set of fields each event kind's
// payload must carry, keyed the same snake_case way as the envelope itself
// (event_id, project_id, ...). A kind absent from this map (or mapped to
// nil) still must decode as a JSON object, just with no required field —
// transport.play/pause/stop carry no identifying payload beyond the event
// envelope itself.
var payloadRequiredFields = map[string][]string{
	"clip.add":            {"clip_id", "track_id"},
	"clip.move":           {"clip_id"},
	"clip.delete":         {"clip_id"},
	"track.add":           {"track_id"},
	"track.update":        {"track_id"},
	"track.delete":        {"track_id"},
	"track.reorder":       {"track_id"},
	"plugin.add":          {"plugin_id", "track_id"},
	"plugin.update":       {"plugin_id"},
	"plugin.delete":       {"plugin_id"},
	"plugin.reorder":      {"plugin_id"},
	"plugin.param_change": {"plugin_id", "param_id", "value"},
	"plugin.param_batch":  {"plugin_id", "batch_id", "params", "timestamp"},
	"transport.seek":      {"position"},
	"transport.tempo":     {"bpm"},
}

// validatePayloadShape is C1's per-kind structural check: the payload must
// decode as a JSON object and carry every field payloadRequiredFields[kind]
// names, non-null. Fields ending in "_id" must additionally be non-empty
// strings. This is deliberately shallow — it is the single choke point that
// keeps a malformed clip.add or plugin.update from ever reaching C3-C6, not
// a full schema validator.
func validatePayloadShape(kind string, payload json.RawMessage, eventID string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return validationError(fmt.Sprintf("payload for %q must be a JSON object", kind), eventID)
	}
	for _, field := range payloadRequiredFields[kind] {
		raw, ok := obj[field]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			return validationError(fmt.Sprintf("payload for %q missing required field %q", kind, field), eventID)
		}
		if strings.HasSuffix(field, "_id") {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil || s == "" {
				return validationError(fmt.Sprintf("payload for %q field %q must be a non-empty string", kind, field), eventID)
			}
		}
	}
	return nil
}

// LockResourceTypes is the closed set of resources the lock manager guards.
var LockResourceTypes = map[string]bool{
	"clip":      true,
	"track":     true,
	"plugin":    true,
	"selection": true,
}

// Frame is the outer wire envelope: {"type": ..., "data": ...}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is the envelope carried inside data for type="event", fully typed
// after Decode — downstream code never re-parses JSON for it.
type Event struct {
	EventID     uuid.UUID       `json:"event_id"`
	ProjectID   uuid.UUID       `json:"project_id"`
	ActorID     uuid.UUID       `json:"actor_id"`
	ClientID    uuid.UUID       `json:"client_id"`
	Seq         uint64          `json:"seq,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	ReceivedAt  time.Time       `json:"received_at,omitempty"`
	Type        string          `json:"type"`
	Version     string          `json:"version"`
	Payload     json.RawMessage `json:"payload"`
}

// PresenceMessage is the inbound data for type="presence".
type PresenceMessage struct {
	Action string          `json:"action"`
	Delta  json.RawMessage `json:"delta,omitempty"`
}

// LockMessage is the inbound data for type="lock".
type LockMessage struct {
	Action       string `json:"action"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Reason       string `json:"reason,omitempty"`
}

// SyncMessage is the inbound data for type="sync". SinceSeq, when nonzero,
// asks the dispatcher to also replay buffered events with a greater seq
// before the presence/lock snapshots — the reconnect convenience, not full
// replay.
type SyncMessage struct {
	SinceSeq uint64 `json:"sinceSeq,omitempty"`
}

// CodecError is a closed-set validation failure produced by the Decode*
// functions.
type CodecError struct {
	Code    string
	Message string
	EventID string
}

func (e *CodecError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func invalidMessage(msg string) *CodecError {
	return &CodecError{Code: "INVALID_MESSAGE", Message: msg}
}

func validationError(msg, eventID string) *CodecError {
	return &CodecError{Code: "VALIDATION_ERROR", Message: msg, EventID: eventID}
}

// DecodeFrame parses the outer {type, data} shape. It does not validate data.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, invalidMessage("malformed JSON")
	}
	if f.Type == "" {
		return Frame{}, invalidMessage("missing type")
	}
	if f.Data == nil {
		return Frame{}, invalidMessage("missing data")
	}
	return f, nil
}

// DecodeEvent structurally validates and decodes an event envelope out of
// frame data. Every field is checked; a failure names the offending
// eventId when one could be parsed at all.
func DecodeEvent(data json.RawMessage) (Event, error) {
	var raw struct {
		EventID    string          `json:"event_id"`
		ProjectID  string          `json:"project_id"`
		ActorID    string          `json:"actor_id"`
		ClientID   string          `json:"client_id"`
		Seq        uint64          `json:"seq"`
		SentAt     string          `json:"sent_at"`
		ReceivedAt string          `json:"received_at"`
		Type       string          `json:"type"`
		Version    string          `json:"version"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, validationError("malformed event envelope", "")
	}

	eventID, err := uuid.Parse(raw.EventID)
	if err != nil {
		return Event{}, validationError("event_id is not a well-formed UUID", raw.EventID)
	}
	projectID, err := uuid.Parse(raw.ProjectID)
	if err != nil {
		return Event{}, validationError("project_id is not a well-formed UUID", raw.EventID)
	}
	actorID, err := uuid.Parse(raw.ActorID)
	if err != nil {
		return Event{}, validationError("actor_id is not a well-formed UUID", raw.EventID)
	}
	clientID, err := uuid.Parse(raw.ClientID)
	if err != nil {
		return Event{}, validationError("client_id is not a well-formed UUID", raw.EventID)
	}
	if raw.Version != EventVersion {
		return Event{}, validationError(fmt.Sprintf("unsupported version %q", raw.Version), raw.EventID)
	}
	if !eventKinds[raw.Type] {
		return Event{}, validationError(fmt.Sprintf("unknown event type %q", raw.Type), raw.EventID)
	}
	sentAt, err := time.Parse(time.RFC3339Nano, raw.SentAt)
	if err != nil {
		return Event{}, validationError("sent_at is not ISO-8601", raw.EventID)
	}
	if len(raw.Payload) == 0 {
		return Event{}, validationError("missing payload", raw.EventID)
	}
	if err := validatePayloadShape(raw.Type, raw.Payload, raw.EventID); err != nil {
		return Event{}, err
	}

	return Event{
		EventID:   eventID,
		ProjectID: projectID,
		ActorID:   actorID,
		ClientID:  clientID,
		Seq:       raw.Seq,
		SentAt:    sentAt,
		Type:      raw.Type,
		Version:   raw.Version,
		Payload:   raw.Payload,
	}, nil
}

// DecodePresence decodes the data for type="presence".
func DecodePresence(data json.RawMessage) (PresenceMessage, error) {
	var p PresenceMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return PresenceMessage{}, invalidMessage("malformed presence message")
	}
	switch p.Action {
	case "join", "leave", "update":
	default:
		return PresenceMessage{}, &CodecError{Code: "UNKNOWN_PRESENCE_ACTION", Message: fmt.Sprintf("unknown presence action %q", p.Action)}
	}
	return p, nil
}

// DecodeLock decodes the data for type="lock".
func DecodeLock(data json.RawMessage) (LockMessage, error) {
	var l LockMessage
	if err := json.Unmarshal(data, &l); err != nil {
		return LockMessage{}, invalidMessage("malformed lock message")
	}
	switch l.Action {
	case "acquire", "release", "heartbeat":
	default:
		return LockMessage{}, &CodecError{Code: "UNKNOWN_LOCK_ACTION", Message: fmt.Sprintf("unknown lock action %q", l.Action)}
	}
	if !LockResourceTypes[l.ResourceType] {
		return LockMessage{}, &CodecError{Code: "INVALID_PAYLOAD", Message: fmt.Sprintf("unknown resourceType %q", l.ResourceType)}
	}
	if l.ResourceID == "" {
		return LockMessage{}, &CodecError{Code: "INVALID_PAYLOAD", Message: "resourceId is required"}
	}
	return l, nil
}

// DecodeSync decodes the data for type="sync". Malformed data degrades to
// a zero-value (no replay, just the presence/lock snapshots) rather than
// failing the request — sync is a convenience, not safety-critical.
func DecodeSync(data json.RawMessage) SyncMessage {
	var s SyncMessage
	_ = json.Unmarshal(data, &s)
	return s
}

// Encode marshals an outbound {type, data} frame.
func Encode(msgType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: msgType, Data: payload})
}
