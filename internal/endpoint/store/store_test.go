package store

import (
	"path/filepath"
	"regexp"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return &Store{path: filepath.Join(t.TempDir(), "state.yaml")}
}

func Test_load_missing_file_returns_zero_value(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.AgentID != "" || st.ServerURL != "" {
		t.Fatalf("expected zero value, got %+v", st)
	}
}

func Test_save_then_load_round_trips(t *testing.T) {
	s := newTestStore(t)
	want := State{AgentID: "A3F8-B2C1", ServerURL: "ws://relay.example:7070/ws"}
	if err := s.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func Test_ensure_agent_id_generates_and_persists(t *testing.T) {
	s := newTestStore(t)
	id, err := s.EnsureAgentID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pattern := regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)
	if !pattern.MatchString(id) {
		t.Fatalf("agent id %q does not match XXXX-XXXX hex format", id)
	}

	again, err := s.EnsureAgentID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != id {
		t.Fatalf("expected stable agent id across calls, got %q then %q", id, again)
	}
}
