package events

import (
	"context"
	"sync"
	"sync/atomic"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/infra/metrics"

	"github.com/rs/zerolog"
)

var (
	_ adapter.EventPublisher  = (*Hub)(nil)
	_ adapter.EventSubscriber = (*Hub)(nil)
)

// Hub fans events out to in-process subscribers, keyed by job id.
// Publish never blocks: a subscriber whose buffer is full is dropped and
// must reconnect and catch up from the event log.
type Hub struct {
	log    *zerolog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func NewHub(buffer int, logger *zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	l := logger.With().Str("component", "event_hub").Logger()
	return &Hub{
		log:    &l,
		buffer: buffer,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	hub     *Hub
	jobID   string
	ch      chan model.Event
	dropped atomic.Bool
	once    sync.Once
}

func (s *subscription) Events() <-chan model.Event { return s.ch }
func (s *subscription) Dropped() bool              { return s.dropped.Load() }
func (s *subscription) Close()                     { s.hub.remove(s) }

// Subscribe registers a live feed starting from now. History is not replayed.
func (h *Hub) Subscribe(jobID string) adapter.Subscription {
	s := &subscription{hub: h, jobID: jobID, ch: make(chan model.Event, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	metrics.AddSubscribers(1)
	return s
}

func (h *Hub) remove(s *subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.subs[s.jobID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.jobID)
			}
		}
		h.mu.Unlock()
		close(s.ch)
		metrics.AddSubscribers(-1)
	})
}

// Publish delivers ev to every subscriber of its job.
func (h *Hub) Publish(_ context.Context, ev model.Event) {
	h.mu.RLock()
	var slow []*subscription
	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		s.dropped.Store(true)
		h.remove(s)
		metrics.IncSubscriberDropped()
		h.log.Warn().Str("job_id", ev.JobID).Int64("seq", ev.Seq).Msg("subscriber buffer full, dropping subscriber")
	}
}

// Subscribers reports the live subscriber count for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
