package server

import "testing"

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	cc := &ControlChannel{clientKey: "ZC-ABC"}

	if !r.Register("ZC-ABC", cc) {
		t.Fatal("expected first registration to succeed")
	}
	got, ok := r.Get("ZC-ABC")
	if !ok || got != cc {
		t.Fatal("expected to retrieve the registered control channel")
	}
}

func TestRegistry_DuplicateKeyRejected(t *testing.T) {
	r := NewRegistry()
	first := &ControlChannel{clientKey: "ZC-ABC"}
	second := &ControlChannel{clientKey: "ZC-ABC"}

	if !r.Register("ZC-ABC", first) {
		t.Fatal("expected first registration to succeed")
	}
	if r.Register("ZC-ABC", second) {
		t.Fatal("expected duplicate registration to fail")
	}

	got, _ := r.Get("ZC-ABC")
	if got != first {
		t.Fatal("first registrant must remain authoritative")
	}
}

func TestRegistry_UnregisterOnlyIfStillCurrent(t *testing.T) {
	r := NewRegistry()
	first := &ControlChannel{clientKey: "ZC-ABC"}
	r.Register("ZC-ABC", first)
	r.Unregister("ZC-ABC", first)

	if _, ok := r.Get("ZC-ABC"); ok {
		t.Fatal("expected key to be gone after unregister")
	}

	r.Register("ZC-ABC", first)
	second := &ControlChannel{clientKey: "ZC-ABC"}
	// Simulate a stale unregister from an old, already-replaced channel:
	// it must not clobber the newer registration.
	r.Unregister("ZC-ABC", second)
	if got, ok := r.Get("ZC-ABC"); !ok || got != first {
		t.Fatal("stale unregister must not remove a newer registration")
	}
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry()
	r.Register("ZC-A", &ControlChannel{clientKey: "ZC-A"})
	r.Register("ZC-B", &ControlChannel{clientKey: "ZC-B"})
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}
