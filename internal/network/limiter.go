package network

import "sync"

// slots counts concurrent holders per key. max <= 0 disables the cap.
type slots struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newSlots(max int) *slots {
	return &slots{max: max, counts: make(map[string]int)}
}

func (s *slots) acquire(key string) bool {
	if s.max <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] >= s.max {
		return false
	}
	s.counts[key]++
	return true
}

func (s *slots) release(key string) {
	if s.max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] <= 1 {
		delete(s.counts, key)
		return
	}
	s.counts[key]--
}

// hostLimiter caps inbound connections and streams per remote host.
type hostLimiter struct {
	conns   *slots
	streams *slots
}

func newHostLimiter(maxConns, maxStreams int) *hostLimiter {
	return &hostLimiter{conns: newSlots(maxConns), streams: newSlots(maxStreams)}
}
