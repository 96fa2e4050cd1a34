package protocol

import (
	"encoding/json"
	"testing"
)

func Test_marshal_unmarshal_round_trip(t *testing.T) {
	original := &Message{
		Type:      TypeData,
		SessionID: "sess-1",
		StreamID:  "stream-1",
		Role:      RoleAgent,
		Payload:   "aGVsbG8=",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("type mismatch: got %q, want %q", decoded.Type, original.Type)
	}
	if decoded.SessionID != original.SessionID {
		t.Errorf("session id mismatch: got %q, want %q", decoded.SessionID, original.SessionID)
	}
	if decoded.Payload != original.Payload {
		t.Errorf("payload mismatch: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func Test_marshal_omits_empty_fields(t *testing.T) {
	data, err := json.Marshal(&Message{Type: TypePing})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("expected minimal ping frame, got %s", data)
	}
}

func Test_unmarshal_rejects_malformed_json(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte("{not json"), &m); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func Test_unknown_type_round_trips(t *testing.T) {
	// unknown "type" values must decode without error so the dispatcher can
	// log and ignore them, per §4.1.
	var m Message
	if err := json.Unmarshal([]byte(`{"type":"made_up"}`), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Type != "made_up" {
		t.Errorf("expected type to round trip verbatim, got %q", m.Type)
	}
}

func Test_all_message_types_round_trip(t *testing.T) {
	types := []Type{
		TypeRegister, TypeRegisterOK, TypeConnect, TypeTunnelRequest,
		TypeTunnelAccept, TypeTunnelReady, TypeTunnelClose,
		TypeStreamOpen, TypeStreamClose, TypeData, TypePing, TypePong, TypeError,
	}

	for _, typ := range types {
		original := &Message{Type: typ, SessionID: "s", StreamID: "st"}
		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("type %s: marshal failed: %v", typ, err)
		}
		var decoded Message
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("type %s: unmarshal failed: %v", typ, err)
		}
		if decoded.Type != typ {
			t.Errorf("type %s: got %s", typ, decoded.Type)
		}
	}
}

func Test_error_helper_formats_message(t *testing.T) {
	m := Error("agent %s not found", "A3F8-B2C1")
	if m.Type != TypeError {
		t.Fatalf("expected error type, got %s", m.Type)
	}
	if m.Message != "agent A3F8-B2C1 not found" {
		t.Errorf("unexpected message: %q", m.Message)
	}
}
