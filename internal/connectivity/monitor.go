// Package connectivity provides the connectivity monitor consumed by the
// sync coordinator. The engine only ever sees a boolean plus an event
// stream; any "online" edge is a drain trigger, and real-time server push
// is folded into the same stream rather than given its own code path.
package connectivity

import "sync/atomic"

// eventBuffer bounds the edge channel. Events are triggers, not data: when
// the consumer lags, dropping a redundant edge is harmless because the
// coordinator re-checks pending work on every drain.
const eventBuffer = 16

// Monitor reports online/offline state and transition edges.
type Monitor interface {
	// Online returns the current connectivity state.
	Online() bool
	// Events delivers state edges and drain nudges. true means "online,
	// attempt a drain now"; false means connectivity was lost.
	Events() <-chan bool
}

// ManualMonitor is a Monitor driven by explicit Set calls. Used by tests
// and by hosts that bridge a platform-native reachability API.
type ManualMonitor struct {
	online atomic.Bool
	events chan bool
}

// NewManualMonitor creates a ManualMonitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{events: make(chan bool, eventBuffer)}
	m.online.Store(online)

	return m
}

// Online returns the current state.
func (m *ManualMonitor) Online() bool {
	return m.online.Load()
}

// Events returns the edge channel.
func (m *ManualMonitor) Events() <-chan bool {
	return m.events
}

// Set updates the state and emits an edge. The send never blocks; a full
// buffer drops the edge, which is safe because edges only nudge the
// coordinator to re-check work it would find anyway.
func (m *ManualMonitor) Set(online bool) {
	m.online.Store(online)

	select {
	case m.events <- online:
	default:
	}
}

// Compile-time interface check.
var _ Monitor = (*ManualMonitor)(nil)
