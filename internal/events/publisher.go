package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

const (
	fleetStreamName     = "FLEET"
	statusSubjectPrefix = "fleet.status."
	outcomeSubject      = "fleet.action.result"
	streamMaxAge        = 24 * time.Hour
	operationTimeout    = 30 * time.Second
)

// Publisher republishes fleet state changes and action outcomes to NATS
// JetStream so external consumers can observe the fleet without linking the
// core in-process.
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher and ensures the fleet stream exists
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context) error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     fleetStreamName,
		Subjects: []string{"fleet.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	}, nats.Context(ctx))

	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			p.logger.Info("Stream already exists", zap.String("stream", fleetStreamName))
			return nil
		}
		return err
	}

	p.logger.Info("Stream created successfully", zap.String("stream", fleetStreamName))
	return nil
}

// PublishStatus publishes an accepted host status
func (p *Publisher) PublishStatus(status model.HostStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if _, err := p.js.Publish(statusSubjectPrefix+status.HostID, data); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// PublishOutcome publishes a terminal action outcome
func (p *Publisher) PublishOutcome(outcome model.ActionOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if _, err := p.js.Publish(outcomeSubject, data); err != nil {
		return fmt.Errorf("failed to publish outcome: %w", err)
	}
	return nil
}

// Bridge consumes store snapshots from ch and republishes the per-host
// statuses that changed between snapshots. Blocks until ctx is canceled or
// ch is closed; run it on its own goroutine.
func (p *Publisher) Bridge(ctx context.Context, ch <-chan model.FleetSnapshot) {
	seen := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			for hostID, status := range snapshot.Statuses {
				if last, ok := seen[hostID]; ok && !status.ObservedAt.After(last) {
					continue
				}
				seen[hostID] = status.ObservedAt
				if err := p.PublishStatus(status); err != nil {
					p.logger.Error("Failed to publish status",
						zap.String("host_id", hostID),
						zap.Error(err))
				}
			}
			for hostID := range seen {
				if _, ok := snapshot.Statuses[hostID]; !ok {
					delete(seen, hostID)
				}
			}
		}
	}
}

// SubscribeOutcomes subscribes to action outcomes; used by external
// consumers and tests
func (p *Publisher) SubscribeOutcomes(handler func(model.ActionOutcome)) (*nats.Subscription, error) {
	return p.js.Subscribe(outcomeSubject, func(msg *nats.Msg) {
		var outcome model.ActionOutcome
		if err := json.Unmarshal(msg.Data, &outcome); err != nil {
			p.logger.Error("Failed to unmarshal outcome", zap.Error(err))
			return
		}
		handler(outcome)
		msg.Ack()
	})
}
