package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pingxin403/im-gateway/metrics"
	"github.com/pingxin403/im-gateway/wire"
)

// routedMessage is the broker's wire schema: a delivery code, the intended
// local recipients, and an opaque payload re-encoded into the wire frame.
type routedMessage struct {
	MessageID string          `json:"message_id"`
	Code      int32           `json:"code"`
	IDs       []string        `json:"ids"`
	Payload   json.RawMessage `json:"payload"`
}

// DispatchResult aggregates the outcome of fanning one broker message out to
// its intended recipients.
type DispatchResult struct {
	Delivered int
	Missed    int
	Dropped   int
}

// Dispatcher turns broker records into wire frames and delivers them to the
// locally registered session for each target user, if any.
type Dispatcher struct {
	registry *Registry
	dedup    *DedupCache
}

// NewDispatcher builds a Dispatcher that routes through registry, optionally
// suppressing redelivered messages via dedup (nil disables deduplication).
func NewDispatcher(registry *Registry, dedup *DedupCache) *Dispatcher {
	return &Dispatcher{registry: registry, dedup: dedup}
}

// Handle decodes one broker message and fans it out to every locally
// present recipient in IDs. A target with no local session is not an
// error: the recipient is simply connected to another node, if anywhere.
// The Dispatcher never blocks on a single slow recipient; a full outbound
// queue classifies that session as a slow consumer and closes it.
func (d *Dispatcher) Handle(ctx context.Context, log *zap.Logger, msg BrokerMessage) error {
	start := time.Now()
	defer func() {
		metrics.DispatchLatencySeconds.Observe(time.Since(start).Seconds())
	}()

	var routed routedMessage
	if err := json.Unmarshal(msg.Value, &routed); err != nil {
		return fmt.Errorf("dispatcher: invalid broker message: %w", err)
	}
	if len(routed.IDs) == 0 {
		return fmt.Errorf("dispatcher: broker message missing ids")
	}

	if d.dedup != nil && routed.MessageID != "" {
		seen, err := d.dedup.SeenBefore(ctx, routed.MessageID)
		if err != nil && log != nil {
			log.Warn("dedup check failed, delivering anyway", zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	frame, err := wire.NewFrame(routed.Code, routed.Payload)
	if err != nil {
		return fmt.Errorf("dispatcher: failed to build frame: %w", err)
	}
	data := frame.Marshal()

	var result DispatchResult
	for _, id := range routed.IDs {
		session, ok := d.registry.Get(id)
		if !ok {
			result.Missed++
			metrics.DispatchMissedTotal.Inc()
			continue
		}

		if err := session.Enqueue(data); err != nil {
			// Enqueue already closed the session and counted the drop.
			result.Dropped++
			continue
		}

		result.Delivered++
		metrics.DispatchDeliveredTotal.Inc()
	}

	return nil
}
