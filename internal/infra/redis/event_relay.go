package redis

import (
	"context"
	"encoding/json"
	"strings"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

const eventChannelPrefix = "jobevents:"

var _ adapter.EventPublisher = (*EventRelay)(nil)

// EventRelay carries committed events between processes: Publish sends to
// a per-job channel, Run feeds everything received into the local sink.
// The durable log remains the only source of truth; a missed relay
// message is recovered by the stream's catch-up from the log.
type EventRelay struct {
	client *Client
	sink   adapter.EventPublisher
	log    *zerolog.Logger
}

func NewEventRelay(client *Client, sink adapter.EventPublisher, logger *zerolog.Logger) *EventRelay {
	l := logger.With().Str("component", "event_relay").Logger()
	return &EventRelay{client: client, sink: sink, log: &l}
}

func EventChannel(jobID string) string { return eventChannelPrefix + jobID }

func (r *EventRelay) Publish(ctx context.Context, ev model.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("job_id", ev.JobID).Msg("encode event")
		return
	}
	if err := r.client.Publish(ctx, EventChannel(ev.JobID), b); err != nil {
		// fall back to local delivery so this process's streams keep moving
		r.log.Warn().Err(err).Str("job_id", ev.JobID).Int64("seq", ev.Seq).Msg("relay publish failed")
		r.sink.Publish(ctx, ev)
	}
}

// Run blocks until ctx is done.
func (r *EventRelay) Run(ctx context.Context) error {
	ps := r.client.cli.PSubscribe(ctx, eventChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	r.log.Info().Msg("event relay subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop undecodable event")
				continue
			}
			if ev.JobID == "" {
				ev.JobID = strings.TrimPrefix(msg.Channel, eventChannelPrefix)
			}
			r.sink.Publish(ctx, ev)
		}
	}
}
