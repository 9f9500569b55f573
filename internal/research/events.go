// Package research hosts the reasoning and orchestration layer: the
// requirements reasoner, both research phases, and the orchestrator that
// the public Research call enters through.
package research

import "sync"

// EventSink receives progress events. Implementations must not block;
// emission happens on the research path.
type EventSink interface {
	Emit(kind string, payload map[string]interface{})
}

// Event kinds emitted by the orchestrator and phases.
const (
	EventPassStarted      = "pass_started"
	EventPhase1Complete   = "phase1_complete"
	EventPhase2Complete   = "phase2_complete"
	EventVendorVisited    = "vendor_visited"
	EventVendorBlocked    = "vendor_blocked"
	EventCacheHit         = "cache_hit"
	EventSearchExecuted   = "search_executed"
	EventResearchDone     = "research_done"
	EventSatisfactionEval = "satisfaction_evaluated"
)

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(string, map[string]interface{}) {}

// ChannelSink buffers events on a channel, dropping when full so emitters
// never block.
type ChannelSink struct {
	ch   chan SinkEvent
	once sync.Once
}

// SinkEvent is one emitted event.
type SinkEvent struct {
	Kind    string
	Payload map[string]interface{}
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan SinkEvent, buffer)}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan SinkEvent { return s.ch }

// Emit enqueues an event, dropping it if the buffer is full.
func (s *ChannelSink) Emit(kind string, payload map[string]interface{}) {
	select {
	case s.ch <- SinkEvent{Kind: kind, Payload: payload}:
	default:
	}
}

// Close closes the event channel.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.ch) })
}
