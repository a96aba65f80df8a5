// Package eventbus implements the control plane's best-effort observability
// pub/sub: DetectionCreated, promotion decisions, and incident transitions
// are emitted here purely for downstream consumption (dashboards, alerting
// fan-out). The core never reads its own events back for correctness — the
// same best-effort discipline already used for the promotion audit sink and
// the orchestration attempt log applies here too. Grounded on the teacher's
// Redis client construction in its token-bucket limiter.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one observability record. Type is a short enum-like string
// ("DetectionCreated", "PromotionDecided", "IncidentTransitioned", ...);
// Payload is the already-canonical-JSON-able domain object.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// Emitter is the narrow capability every producer in the core depends on.
// Emit never returns an error to the caller's control flow — a failed emit
// is logged and swallowed, exactly like the promotion engine's audit sink.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// RedisBus publishes events to a Redis pub/sub channel. Subscribers are
// purely observational; nothing in the core subscribes to its own bus.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Emit(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("eventbus: failed to marshal event", "type", e.Type, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("eventbus: failed to publish event", "type", e.Type, "error", err)
	}
}

// NoopBus discards every event. Used where a deployment has no downstream
// consumer wired up yet; keeps every core component's Emitter dependency
// satisfiable without a conditional nil check at each call site.
type NoopBus struct{}

func (NoopBus) Emit(ctx context.Context, e Event) {}
