package core

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Call errors.
var (
	ErrSelfCall = errors.New("cannot call yourself")
	ErrBusy     = errors.New("already in a call")
)

// CallMap tracks established voice calls. It is a bidirectional relation:
// every insertion records both directions and every deletion removes both,
// atomically under one mutex, so a↔b is always symmetric. Ringing is not
// tracked here; only established calls affect datagram routing.
//
// When a path needs both the Registry lock and this one, the Registry lock
// is taken first.
type CallMap struct {
	mu     sync.Mutex
	active map[string]string
}

// NewCallMap returns an empty call map.
func NewCallMap() *CallMap {
	return &CallMap{active: make(map[string]string)}
}

// Start establishes a call between a and b. Fails if they are the same
// user or either is already in a call.
func (c *CallMap) Start(a, b string) error {
	if a == b {
		return ErrSelfCall
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.active[a]; busy {
		return ErrBusy
	}
	if _, busy := c.active[b]; busy {
		return ErrBusy
	}
	c.active[a] = b
	c.active[b] = a

	slog.Info("call started", "caller", a, "callee", b, "active_calls", len(c.active)/2)
	return nil
}

// Partner returns the user name is in a call with.
func (c *CallMap) Partner(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.active[name]
	return p, ok
}

// Busy reports whether name is in an established call.
func (c *CallMap) Busy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[name]
	return ok
}

// End tears down the call touching name and returns the former partner.
// Idempotent: ending twice reports ok=false the second time. The recorded
// partner is authoritative; callers must not trust partner names supplied
// over the wire.
func (c *CallMap) End(name string) (partner string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	partner, ok = c.active[name]
	if !ok {
		return "", false
	}
	delete(c.active, name)
	delete(c.active, partner)

	slog.Info("call ended", "user", name, "partner", partner, "active_calls", len(c.active)/2)
	return partner, true
}

// Count returns the number of established calls.
func (c *CallMap) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) / 2
}

// Snapshot returns each call once as an ordered [caller-side, callee-side]
// pair sorted for stable output.
func (c *CallMap) Snapshot() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][2]string, 0, len(c.active)/2)
	for a, b := range c.active {
		if a < b {
			out = append(out, [2]string{a, b})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
