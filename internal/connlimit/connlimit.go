// Package connlimit enforces the total and per-IP connection ceilings the
// transport layer checks before a handshake is allowed to proceed to
// authentication. It generalizes the teacher's Room.CanConnect /
// TrackIPConnect / TrackIPDisconnect (room.go) from a single global room to
// a standalone Limiter that keeps its own total and per-IP counts, since this
// core has no single room to ask.
package connlimit

import "sync"

// Limiter tracks per-IP connection counts and enforces two independent
// ceilings: a total across every connection and a per-IP maximum. Either
// limit set to 0 is treated as unlimited, matching the teacher's semantics.
type Limiter struct {
	mu             sync.Mutex
	maxConnections int
	perIPLimit     int
	total          int
	perIP          map[string]int
}

// New builds a Limiter with the given ceilings. A zero value disables that
// ceiling.
func New(maxConnections, perIPLimit int) *Limiter {
	return &Limiter{
		maxConnections: maxConnections,
		perIPLimit:     perIPLimit,
		perIP:          make(map[string]int),
	}
}

// Allow reports whether a new connection from ip would stay within both
// ceilings, without reserving a slot.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxConnections > 0 && l.total >= l.maxConnections {
		return false
	}
	if l.perIPLimit > 0 && l.perIP[ip] >= l.perIPLimit {
		return false
	}
	return true
}

// Track reserves a slot for ip. Callers should check Allow immediately
// beforehand under the same external serialization (the transport's accept
// loop is single-goroutine per listener, so this split is safe in practice);
// Track itself never rejects.
func (l *Limiter) Track(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if ip != "" {
		l.perIP[ip]++
	}
}

// Untrack releases ip's slot on disconnect.
func (l *Limiter) Untrack(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total > 0 {
		l.total--
	}
	if ip == "" {
		return
	}
	l.perIP[ip]--
	if l.perIP[ip] <= 0 {
		delete(l.perIP, ip)
	}
}

// Total returns the current tracked connection count.
func (l *Limiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
