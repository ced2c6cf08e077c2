package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecodeFrameRejectsMissingType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"data":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
	ce, ok := err.(*CodecError)
	if !ok || ce.Code != "INVALID_MESSAGE" {
		t.Fatalf("expected INVALID_MESSAGE, got %v", err)
	}
}

func TestDecodeFrameRejectsMissingData(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"ping"}`))
	if err == nil {
		t.Fatal("expected error for missing data")
	}
}

func TestDecodeFrameRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func validEventJSON(t *testing.T, mutate func(m map[string]any)) json.RawMessage {
	t.Helper()
	m := map[string]any{
		"event_id":   uuid.New().String(),
		"project_id": uuid.New().String(),
		"actor_id":   uuid.New().String(),
		"client_id":  uuid.New().String(),
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "clip.add",
		"version":    "1.0",
		"payload":    map[string]any{"clip_id": "c1", "track_id": "t1"},
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return raw
}

func TestDecodeEventAcceptsValidEnvelope(t *testing.T) {
	ev, err := DecodeEvent(validEventJSON(t, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "clip.add" || ev.Version != EventVersion {
		t.Fatalf("unexpected decoded event: %+v", ev)
	}
}

func TestDecodeEventRejectsBadUUID(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) { m["event_id"] = "not-a-uuid" }))
	if err == nil {
		t.Fatal("expected error for bad event_id")
	}
	ce := err.(*CodecError)
	if ce.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", ce.Code)
	}
}

func TestDecodeEventRejectsBadVersion(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) { m["version"] = "2.0" }))
	if err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) { m["type"] = "clip.teleport" }))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDecodeEventRejectsMissingRequiredPayloadField(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) {
		m["payload"] = map[string]any{"track_id": "t1"}
	}))
	if err == nil {
		t.Fatal("expected error for clip.add payload missing clip_id")
	}
	ce := err.(*CodecError)
	if ce.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", ce.Code)
	}
}

func TestDecodeEventRejectsEmptyStringIDField(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) {
		m["payload"] = map[string]any{"clip_id": "", "track_id": "t1"}
	}))
	if err == nil {
		t.Fatal("expected error for empty clip_id")
	}
}

func TestDecodeEventRejectsNonObjectPayload(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) { m["payload"] = "not-an-object" }))
	if err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestDecodeEventAcceptsPayloadWithNoRequiredFields(t *testing.T) {
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) {
		m["type"] = "transport.play"
		m["payload"] = map[string]any{}
	}))
	if err != nil {
		t.Fatalf("expected transport.play with empty payload to decode, got %v", err)
	}
}

func TestDecodeEventNamesOffendingEventID(t *testing.T) {
	eventID := uuid.New().String()
	_, err := DecodeEvent(validEventJSON(t, func(m map[string]any) {
		m["event_id"] = eventID
		m["version"] = "bogus"
	}))
	ce := err.(*CodecError)
	if ce.EventID != eventID {
		t.Fatalf("expected eventID %s in error, got %s", eventID, ce.EventID)
	}
}

func TestDecodePresenceRejectsUnknownAction(t *testing.T) {
	_, err := DecodePresence([]byte(`{"action":"teleport"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	ce := err.(*CodecError)
	if ce.Code != "UNKNOWN_PRESENCE_ACTION" {
		t.Fatalf("expected UNKNOWN_PRESENCE_ACTION, got %s", ce.Code)
	}
}

func TestDecodeLockRejectsUnknownResourceType(t *testing.T) {
	_, err := DecodeLock([]byte(`{"action":"acquire","resourceType":"mixer","resourceId":"x"}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeLockAcceptsValid(t *testing.T) {
	l, err := DecodeLock([]byte(`{"action":"acquire","resourceType":"clip","resourceId":"c1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.Action != "acquire" || l.ResourceType != "clip" {
		t.Fatalf("unexpected decoded lock: %+v", l)
	}
}

func TestDecodeSyncParsesSinceSeq(t *testing.T) {
	s := DecodeSync([]byte(`{"sinceSeq":42}`))
	if s.SinceSeq != 42 {
		t.Fatalf("expected sinceSeq 42, got %d", s.SinceSeq)
	}
}

func TestDecodeSyncDegradesOnMalformedData(t *testing.T) {
	s := DecodeSync([]byte(`not json`))
	if s.SinceSeq != 0 {
		t.Fatalf("expected zero-value on malformed sync data, got %+v", s)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypePong, PongData{Timestamp: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypePong {
		t.Fatalf("expected type %s, got %s", TypePong, f.Type)
	}
	var p PongData
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if p.Timestamp != 42 {
		t.Fatalf("expected timestamp 42, got %d", p.Timestamp)
	}
}
