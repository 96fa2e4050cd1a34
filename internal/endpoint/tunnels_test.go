package endpoint

import (
	"net"
	"testing"
)

func Test_tunnelTable_add_get_remove(t *testing.T) {
	tt := newTunnelTable()
	tun := &Tunnel{SessionID: "s1", Role: RoleOutgoing, Status: StatusConnecting}
	tt.add(tun)

	got, ok := tt.get("s1")
	if !ok || got != tun {
		t.Fatalf("get() = %v, %v, want original tunnel", got, ok)
	}

	removed, ok := tt.remove("s1")
	if !ok || removed != tun {
		t.Fatalf("remove() = %v, %v, want original tunnel", removed, ok)
	}

	if _, ok := tt.get("s1"); ok {
		t.Fatal("get() after remove() found a tunnel, want none")
	}
}

func Test_tunnelTable_setStatus(t *testing.T) {
	tt := newTunnelTable()
	tt.add(&Tunnel{SessionID: "s1", Status: StatusConnecting})
	tt.setStatus("s1", StatusActive)

	got, _ := tt.get("s1")
	if got.Status != StatusActive {
		t.Fatalf("Status = %q, want %q", got.Status, StatusActive)
	}

	// setStatus on an unknown session is a no-op, not a panic.
	tt.setStatus("missing", StatusError)
}

func Test_tunnelTable_snapshot(t *testing.T) {
	tt := newTunnelTable()
	tt.add(&Tunnel{SessionID: "s1", Role: RoleIncoming, RemoteHost: "10.0.0.1", RemotePort: 22, Status: StatusActive})
	tt.add(&Tunnel{SessionID: "s2", Role: RoleOutgoing, LocalPort: 9000, Status: StatusConnecting})

	snap := tt.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot() returned %d entries, want 2", len(snap))
	}

	byID := make(map[string]TunnelInfo)
	for _, info := range snap {
		byID[info.SessionID] = info
	}
	if byID["s1"].RemoteHost != "10.0.0.1" || byID["s1"].RemotePort != 22 {
		t.Fatalf("s1 snapshot = %+v, missing remote target", byID["s1"])
	}
	if byID["s2"].LocalPort != 9000 {
		t.Fatalf("s2 snapshot = %+v, missing local port", byID["s2"])
	}
}

func Test_tunnelTable_removeAll(t *testing.T) {
	tt := newTunnelTable()
	tt.add(&Tunnel{SessionID: "s1"})
	tt.add(&Tunnel{SessionID: "s2"})

	all := tt.removeAll()
	if len(all) != 2 {
		t.Fatalf("removeAll() returned %d tunnels, want 2", len(all))
	}
	if len(tt.snapshot()) != 0 {
		t.Fatal("table not empty after removeAll()")
	}
}

func Test_Tunnel_stream_lifecycle(t *testing.T) {
	tt := newTunnelTable()
	tun := &Tunnel{SessionID: "s1"}
	tt.add(tun)

	c1, c2 := net.Pipe()
	defer c2.Close()
	tun.addStream("st1", c1)

	s, ok := tun.getStream("st1")
	if !ok || s.conn != c1 {
		t.Fatalf("getStream() = %v, %v, want registered conn", s, ok)
	}

	if got := tun.allStreams(); len(got) != 1 {
		t.Fatalf("allStreams() returned %d streams, want 1", len(got))
	}

	tun.removeStream("st1")
	if _, ok := tun.getStream("st1"); ok {
		t.Fatal("getStream() after removeStream() still found the stream")
	}

	// removeStream on an unknown id is a no-op.
	tun.removeStream("missing")
}
