// ABOUTME: In-memory per-session event bus with bounded replay rings
// ABOUTME: Assigns strictly increasing sequence numbers and fans out to SSE subscribers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultBuffer is the per-session replay ring size
	DefaultBuffer = 256

	// DefaultHeartbeat is how long a session may stay quiet before
	// subscribers receive a heartbeat event
	DefaultHeartbeat = 15 * time.Second

	// subscriberSlack is extra channel capacity beyond the ring size so a
	// full-ring replay never blocks under the bus lock
	subscriberSlack = 64
)

// Event kinds published on the bus
const (
	KindSessionStarted    = "session_started"
	KindAgentStarted      = "agent_started"
	KindAgentCompleted    = "agent_completed"
	KindToolCallStarted   = "tool_call_started"
	KindToolCallCompleted = "tool_call_completed"
	KindToolCallFailed    = "tool_call_failed"
	KindWorkspaceUpdated  = "workspace_updated"
	KindQuestionRaised    = "question_raised"
	KindQuestionAnswered  = "question_answered"
	KindSessionCompleted  = "session_completed"
	KindSessionFailed     = "session_failed"
	KindHeartbeat         = "heartbeat"
	KindGap               = "gap"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "symposium_events_published_total",
		Help: "Events published to the in-memory bus, by kind.",
	}, []string{"kind"})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "symposium_events_dropped_total",
		Help: "Events dropped because a subscriber channel was full.",
	})
)

// Event is one entry on a session's ordered stream. Seq increases strictly
// within a session; there is no ordering across sessions.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// stream holds one session's ring and subscribers. Guarded by Bus.mu.
type stream struct {
	ring        []Event // oldest first, len <= Bus.buffer
	nextSeq     int64
	lastPublish time.Time
	subs        map[string]chan Event
}

// Bus is the in-memory pub/sub hub for session events. Publishing assigns
// sequence numbers and retains a bounded ring per session so disconnected
// subscribers can resume without missing retained events.
type Bus struct {
	mu        sync.Mutex
	streams   map[string]*stream
	buffer    int
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewBus creates a bus with the given ring size and heartbeat interval.
// Zero values fall back to the defaults.
func NewBus(buffer int, heartbeat time.Duration, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		streams:   make(map[string]*stream),
		buffer:    buffer,
		heartbeat: heartbeat,
		logger:    logger.With("component", "events"),
	}
}

func (b *Bus) getStream(sessionID string) *stream {
	st, ok := b.streams[sessionID]
	if !ok {
		st = &stream{
			nextSeq:     1,
			lastPublish: time.Now(),
			subs:        make(map[string]chan Event),
		}
		b.streams[sessionID] = st
	}
	return st
}

// Publish assigns the next sequence number, appends the event to the
// session's ring, and fans it out to subscribers. Sends are non-blocking:
// a subscriber whose channel is full misses the event and recovers it
// later via resume. Returns the published event.
func (b *Bus) Publish(sessionID, kind string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.getStream(sessionID)
	ev := Event{
		SessionID: sessionID,
		Seq:       st.nextSeq,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	st.nextSeq++
	st.lastPublish = time.Now()

	st.ring = append(st.ring, ev)
	if len(st.ring) > b.buffer {
		st.ring = st.ring[len(st.ring)-b.buffer:]
	}

	for subID, ch := range st.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"sub_id", subID,
				"seq", ev.Seq)
		}
	}

	eventsPublished.WithLabelValues(kind).Inc()
	return ev
}

// Subscribe registers a subscriber for a session's events. Retained events
// with seq > fromSeq are replayed onto the channel first, then live events
// follow. If fromSeq predates the oldest retained event, a synthetic gap
// event is delivered before the replay; its payload names the first
// retained seq so clients know what they missed. Pass fromSeq 0 for a
// full replay. The subscription is cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromSeq int64) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, b.buffer+subscriberSlack)

	b.mu.Lock()
	st := b.getStream(sessionID)

	if len(st.ring) > 0 && fromSeq < st.ring[0].Seq-1 {
		ch <- Event{
			SessionID: sessionID,
			Seq:       st.ring[0].Seq - 1,
			Kind:      KindGap,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"first_retained_seq": st.ring[0].Seq},
		}
	}
	for _, ev := range st.ring {
		if ev.Seq > fromSeq {
			ch <- ev
		}
	}

	st.subs[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", subID,
		"from_seq", fromSeq)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		return
	}
	ch, exists := st.subs[subID]
	if !exists {
		return
	}

	delete(st.subs, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Drop frees a session's ring and closes all of its subscriber channels.
// Called when a session is cancelled or expires.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		return
	}
	for subID, ch := range st.subs {
		close(ch)
		delete(st.subs, subID)
	}
	delete(b.streams, sessionID)

	b.logger.Debug("dropped session stream", "session_id", sessionID)
}

// Run injects heartbeat events into quiet sessions that still have
// subscribers, so SSE clients can tell a silent stream from a dead one.
// Heartbeats go through Publish and share the seq space, which keeps
// resume arithmetic uniform. Blocks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			var quiet []string
			for id, st := range b.streams {
				if len(st.subs) > 0 && now.Sub(st.lastPublish) >= b.heartbeat {
					quiet = append(quiet, id)
				}
			}
			b.mu.Unlock()

			for _, id := range quiet {
				b.Publish(id, KindHeartbeat, nil)
			}
		}
	}
}

// Close closes all subscriber channels and frees every ring.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, st := range b.streams {
		for subID, ch := range st.subs {
			close(ch)
			delete(st.subs, subID)
		}
		delete(b.streams, id)
	}

	b.logger.Debug("bus closed")
}
