package server

import "testing"

func Test_register_evicts_prior_session(t *testing.T) {
	reg := NewRegistry()
	first := &Channel{}
	second := &Channel{}

	if evicted := reg.Register("A3F8-B2C1", first); evicted != nil {
		t.Fatalf("expected no eviction on first register, got %v", evicted)
	}

	evicted := reg.Register("A3F8-B2C1", second)
	if evicted != first {
		t.Fatalf("expected first channel evicted, got %v", evicted)
	}

	s, ok := reg.Get("A3F8-B2C1")
	if !ok || s.Channel != second {
		t.Fatalf("expected registry to hold the second channel")
	}
}

func Test_remove_only_matching_channel(t *testing.T) {
	reg := NewRegistry()
	first := &Channel{}
	second := &Channel{}

	reg.Register("id", first)
	reg.Register("id", second) // first is now displaced

	// the displaced channel's own cleanup must not remove the replacement.
	reg.Remove("id", first)

	if _, ok := reg.Get("id"); !ok {
		t.Fatal("expected second registration to survive removal of the displaced channel")
	}

	reg.Remove("id", second)
	if _, ok := reg.Get("id"); ok {
		t.Fatal("expected registry entry removed")
	}
}

func Test_list_returns_registered_ids(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", &Channel{})
	reg.Register("b", &Channel{})

	ids := reg.List()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}
