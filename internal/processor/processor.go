// Package processor implements the reservation processor of spec.md
// §4.4: a single long-running worker per replica that dequeues one
// message at a time and drives a reservation through admit → allocate →
// provision → active, or handles cancel/extend/add-user/interactive/
// rebuild/disk messages. Grounded on the teacher's escalation engine
// (pkg/escalation/engine.go) for the tick-and-dispatch loop shape, but the
// teacher polls a status column directly where this package dequeues from
// an explicit visibility-timeout queue (store.Dequeue), since spec.md
// §4.1 makes the queue an explicit store primitive rather than an
// implicit "status=firing" scan.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// Config is the processor's slice of process configuration (spec.md §6).
type Config struct {
	PollInterval        time.Duration
	VisibilityTimeout    time.Duration
	BatchSize            int
	MaxReservationHours  float64
	DefaultDurationHours float64
	PerUserActiveCap     int
	MultiNodeCapNodes    int
	CPUSlotsPerNode      int
	KubeNamespace        string
	SandboxBaseImage     string
	GracePeriodSeconds   int
}

// EnvDenylist filters environment variables injected into sandboxes
// (spec.md §5 "filtered against a denylist").
var EnvDenylist = map[string]bool{
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_ACCESS_KEY_ID":     true,
	"KUBECONFIG":            true,
	"GPUCTL_DATABASE_URL":   true,
	"GPUCTL_REDIS_URL":      true,
}

// Processor is the single dequeue/dispatch worker.
type Processor struct {
	store   *store.Store
	compute clusteradapter.Compute
	storage clusteradapter.Storage
	logger  *slog.Logger
	cfg     Config
}

// New creates a Processor.
func New(pool *pgxpool.Pool, compute clusteradapter.Compute, storage clusteradapter.Storage, logger *slog.Logger, cfg Config) *Processor {
	return &Processor{store: store.New(pool), compute: compute, storage: storage, logger: logger, cfg: cfg}
}

// Run blocks, polling the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("reservation processor started", "poll_interval", p.cfg.PollInterval)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reservation processor stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context) {
	messages, err := p.dequeueBatch(ctx)
	if err != nil {
		p.logger.Error("dequeuing messages", "error", err)
		return
	}

	for _, msg := range messages {
		p.dispatch(ctx, msg)
	}

	p.promoteQueued(ctx)
}

func (p *Processor) dequeueBatch(ctx context.Context) ([]*store.QueueMessage, error) {
	var messages []*store.QueueMessage
	err := p.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		messages, err = p.store.Dequeue(ctx, tx, p.cfg.BatchSize, p.cfg.VisibilityTimeout)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claiming queue batch: %w", err)
	}
	return messages, nil
}

func (p *Processor) dispatch(ctx context.Context, msg *store.QueueMessage) {
	start := time.Now()
	outcome := "ok"

	var err error
	switch msg.Kind {
	case store.KindCreate:
		err = p.handleCreate(ctx, msg)
	case store.KindCancel:
		err = p.handleCancel(ctx, msg)
	case store.KindExtend:
		err = p.handleExtend(ctx, msg)
	case store.KindAddUser:
		err = p.handleAddUser(ctx, msg)
	case store.KindEnableInteractive:
		err = p.handleEnableInteractive(ctx, msg)
	case store.KindDisableInteractive:
		err = p.handleDisableInteractive(ctx, msg)
	case store.KindRebuildImage:
		err = p.handleRebuildImage(ctx, msg)
	case store.KindDiskCreate:
		err = p.handleDiskCreate(ctx, msg)
	case store.KindDiskDelete:
		err = p.handleDiskDelete(ctx, msg)
	default:
		// Unknown kinds are logged and acked for forward compatibility
		// (spec.md §6).
		p.logger.Warn("unknown queue message kind, acking", "kind", msg.Kind, "id", msg.ID)
		err = nil
	}

	if err != nil {
		outcome = "error"
		p.logger.Error("handling queue message", "kind", msg.Kind, "id", msg.ID, "error", err)
		telemetry.QueueMessagesProcessedTotal.WithLabelValues(string(msg.Kind), outcome).Inc()
		telemetry.QueueMessageProcessingDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
		// Leave unacked: the visibility timeout will redeliver (spec.md §7
		// transient-error policy).
		return
	}

	if ackErr := p.store.Ack(ctx, p.store.Pool(), msg.ID); ackErr != nil {
		p.logger.Error("acking queue message", "id", msg.ID, "error", ackErr)
	}
	telemetry.QueueMessagesProcessedTotal.WithLabelValues(string(msg.Kind), outcome).Inc()
	telemetry.QueueMessageProcessingDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
}

func unmarshalPayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	return nil
}

func sanitizedEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if EnvDenylist[k] {
			continue
		}
		out[k] = v
	}
	return out
}
