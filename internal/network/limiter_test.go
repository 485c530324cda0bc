package network

import "testing"

func TestHostLimiterConnCap(t *testing.T) {
	lim := newHostLimiter(1, 0)
	if !lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.conns.release("1.2.3.4")
	if !lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestHostLimiterStreamCap(t *testing.T) {
	lim := newHostLimiter(0, 2)
	if !lim.streams.acquire("1.2.3.4") || !lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.streams.release("1.2.3.4")
	if !lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestHostLimiterSeparateHosts(t *testing.T) {
	lim := newHostLimiter(1, 1)
	if !lim.conns.acquire("1.2.3.4") || !lim.conns.acquire("2.3.4.5") {
		t.Fatalf("expected separate host conns")
	}
	if !lim.streams.acquire("1.2.3.4") || !lim.streams.acquire("2.3.4.5") {
		t.Fatalf("expected separate host streams")
	}
}

func TestUnlimitedSlots(t *testing.T) {
	s := newSlots(0)
	for i := 0; i < 100; i++ {
		if !s.acquire("x") {
			t.Fatalf("unlimited slots refused acquire %d", i)
		}
	}
	s.release("x")
}
