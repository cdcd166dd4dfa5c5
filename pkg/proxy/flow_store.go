package proxy

import "sync"

// FlowStore is a thread-safe, fixed-capacity ring buffer of flows with pub/sub.
// When full, adding a flow evicts the oldest one.
type FlowStore struct {
	mu          sync.RWMutex
	ring        []*Flow
	index       map[string]*Flow
	next        int // slot for the next Add
	size        int
	subscribers map[chan FlowEvent]struct{}
}

// MirrorStats counts flows by the delivery status of their envelopes.
type MirrorStats struct {
	Flows    int `json:"flows"`
	Internal int `json:"internal"`

	RequestsSent  int `json:"requestsSent"`
	ResponsesSent int `json:"responsesSent"`
	Pending       int `json:"pending"`
	Failed        int `json:"failed"`
	Dropped       int `json:"dropped"`
	Skipped       int `json:"skipped"`
}

// NewFlowStore creates a store with the given capacity.
func NewFlowStore(capacity int) *FlowStore {
	if capacity <= 0 {
		capacity = DefaultMaxFlows
	}
	return &FlowStore{
		ring:        make([]*Flow, capacity),
		index:       make(map[string]*Flow, capacity),
		subscribers: make(map[chan FlowEvent]struct{}),
	}
}

// Add stores a new flow and notifies subscribers.
func (s *FlowStore) Add(f *Flow) {
	s.mu.Lock()
	if old := s.ring[s.next]; old != nil {
		delete(s.index, old.ID)
	} else {
		s.size++
	}
	s.ring[s.next] = f
	s.index[f.ID] = f
	s.next = (s.next + 1) % len(s.ring)
	s.mu.Unlock()

	s.publish(FlowEvent{Type: FlowEventNew, Flow: f})
}

// Update notifies subscribers of a change to an existing flow.
func (s *FlowStore) Update(f *Flow, eventType FlowEventType) {
	s.publish(FlowEvent{Type: eventType, Flow: f})
}

// Get returns the flow with the given ID, or nil if not found.
func (s *FlowStore) Get(id string) *Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

// All returns flows in insertion order (oldest first).
func (s *FlowStore) All() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flow, 0, s.size)
	start := 0
	if s.size == len(s.ring) {
		start = s.next
	}
	for i := 0; i < s.size; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// Clear removes all flows from the store.
func (s *FlowStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	clear(s.index)
	s.next = 0
	s.size = 0
}

// Count returns the number of flows currently held.
func (s *FlowStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// MirrorStats tallies the mirror status of the stored flows.
func (s *FlowStore) MirrorStats() MirrorStats {
	var st MirrorStats
	for _, f := range s.All() {
		st.Flows++
		if f.Internal {
			st.Internal++
		}
		req, resp := f.Mirror.Get()
		if req == MirrorSent {
			st.RequestsSent++
		}
		if resp == MirrorSent {
			st.ResponsesSent++
		}
		for _, status := range [2]MirrorStatus{req, resp} {
			switch status {
			case MirrorPending:
				st.Pending++
			case MirrorFailed:
				st.Failed++
			case MirrorDropped:
				st.Dropped++
			case MirrorSkipped:
				st.Skipped++
			}
		}
	}
	return st
}

// Subscribe returns a channel that receives FlowEvents. The channel is
// buffered; slow consumers will have events dropped.
func (s *FlowStore) Subscribe() chan FlowEvent {
	ch := make(chan FlowEvent, 128)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *FlowStore) Unsubscribe(ch chan FlowEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// publish sends evt to every subscriber without blocking. The read lock is
// held so Unsubscribe cannot close a channel mid-send.
func (s *FlowStore) publish(evt FlowEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
