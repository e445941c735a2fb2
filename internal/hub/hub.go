// Package hub fans CAN frames received from a backend out to subscribers
// (the device mailbox, bus tracing). Delivery never blocks the reader.
package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

// BackpressurePolicy decides what happens to a subscriber whose queue is
// full: PolicyDrop loses the frame, PolicyKick also closes the subscriber.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyKick:
		return "kick"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the names returned by String.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

// Subscriber receives frames on Out until Closed is signalled.
type Subscriber struct {
	Name      string
	Out       chan can.Frame
	Closed    chan struct{}
	Accept    func(can.Frame) bool // nil accepts every frame
	closeOnce sync.Once
}

// NewSubscriber allocates a subscriber with a buffered queue of size buf.
func NewSubscriber(name string, buf int, accept func(can.Frame) bool) *Subscriber {
	return &Subscriber{
		Name:   name,
		Out:    make(chan can.Frame, buf),
		Closed: make(chan struct{}),
		Accept: accept,
	}
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	Policy BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{subs: make(map[*Subscriber]struct{})} }

// Add registers a subscriber with the hub.
func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	cur := len(h.subs)
	h.mu.Unlock()
	metrics.SetHubSubscribers(cur)
	logging.L().Debug("hub_subscriber_added", "name", s.Name, "subscribers", cur)
}

// Remove unregisters a subscriber and updates metrics; safe to call multiple times.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subs[s]
	if existed {
		delete(h.subs, s)
	}
	cur := len(h.subs)
	h.mu.Unlock()
	s.Close()
	metrics.SetHubSubscribers(cur)
	if existed {
		logging.L().Debug("hub_subscriber_removed", "name", s.Name, "subscribers", cur)
	}
}

// Broadcast sends a frame to all accepting subscribers honoring the backpressure policy.
func (h *Hub) Broadcast(fr can.Frame) {
	for _, s := range h.Snapshot() {
		if s.Accept != nil && !s.Accept(fr) {
			continue
		}
		select {
		case <-s.Closed:
			continue
		default:
		}
		select {
		case s.Out <- fr:
		default:
			metrics.IncHubDrop()
			if h.Policy == PolicyKick {
				logging.L().Warn("hub_subscriber_kicked", "name", s.Name)
				s.Close() // owner will Remove on exit
			}
		}
	}
}

// Snapshot returns a slice copy of current subscribers (read-only use).
func (h *Hub) Snapshot() []*Subscriber {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	return subs
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }
