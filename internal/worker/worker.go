// Package worker runs training jobs off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/modelstore"
)

// Trainer consumes TrainRequest messages, trains the full model set from
// the referenced upload, and registers the result as the tenant's active
// version. Jobs for one tenant run one at a time; that is what supersede
// semantics on Register rely on.
type Trainer struct {
	bus    domain.EventBus
	store  *modelstore.Store
	logger *slog.Logger

	subscriptions []domain.Subscription
	jobs          chan *domain.TrainRequest
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewTrainer creates a training worker. queueDepth bounds pending jobs.
func NewTrainer(bus domain.EventBus, store *modelstore.Store, queueDepth int, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trainer{
		bus:    bus,
		store:  store,
		logger: logger,
		jobs:   make(chan *domain.TrainRequest, queueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the train-request topic for each tenant and begins
// draining the job queue.
func (t *Trainer) Start(tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		sub, err := t.bus.Subscribe(t.ctx, tenantID, domain.TopicTrainRequest, t.enqueue)
		if err != nil {
			return fmt.Errorf("failed to subscribe for tenant %s: %w", tenantID, err)
		}
		t.subscriptions = append(t.subscriptions, sub)
	}

	go t.run()

	t.logger.Info("training worker started",
		"tenant_count", len(tenantIDs),
		"topic", domain.TopicTrainRequest,
	)
	return nil
}

func (t *Trainer) enqueue(ctx context.Context, msg *domain.Message) error {
	var req domain.TrainRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		t.logger.Error("failed to parse train request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.TenantID == "" {
		req.TenantID = msg.TenantID
	}
	if req.TraceID == "" {
		req.TraceID = msg.ID
	}

	select {
	case t.jobs <- &req:
		return nil
	default:
		t.logger.Warn("training queue full, rejecting job",
			"tenant_id", req.TenantID,
			"trace_id", req.TraceID,
		)
		return fmt.Errorf("training queue full")
	}
}

func (t *Trainer) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.jobs:
			if req == nil {
				return
			}
			t.execute(t.ctx, req)
		}
	}
}

// execute runs one job end to end and publishes the completion event,
// carrying the error when the run failed.
func (t *Trainer) execute(ctx context.Context, req *domain.TrainRequest) {
	start := time.Now()

	version, metrics, err := t.TrainNow(ctx, req)
	completed := domain.TrainCompleted{
		TenantID: req.TenantID,
		Version:  version,
		Metrics:  metrics,
	}
	if err != nil {
		completed.Error = err.Error()
		t.logger.Error("training job failed",
			"tenant_id", req.TenantID,
			"trace_id", req.TraceID,
			"upload", req.UploadPath,
			"error", err,
		)
	} else {
		t.logger.Info("training job completed",
			"tenant_id", req.TenantID,
			"trace_id", req.TraceID,
			"version", version,
			"logreg_auc", metrics.LogregAUC,
			"tree_auc", metrics.TreeAUC,
			"nn_auc", metrics.NNAUC,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	payload, merr := json.Marshal(completed)
	if merr != nil {
		return
	}
	if perr := t.bus.Publish(ctx, req.TenantID, domain.TopicTrainCompleted, payload); perr != nil {
		t.logger.Error("failed to publish train completion",
			"tenant_id", req.TenantID,
			"error", perr,
		)
	}
}

// TrainNow runs a training job synchronously: load the upload, train,
// register as the active version, and remove the upload file. Used by the
// bus path and directly by the API in synchronous-training mode.
func (t *Trainer) TrainNow(ctx context.Context, req *domain.TrainRequest) (int, domain.TrainMetrics, error) {
	var zero domain.TrainMetrics

	dataset, err := ml.LoadDataset(req.UploadPath)
	if err != nil {
		return 0, zero, err
	}

	bundle, metrics, err := ml.Train(dataset)
	if err != nil {
		return 0, zero, err
	}

	version := req.Version
	if version <= 0 {
		version, err = t.store.NextVersion(ctx, req.TenantID)
		if err != nil {
			return 0, zero, err
		}
	}

	if _, err := t.store.Register(ctx, req.TenantID, version, bundle, metrics, true); err != nil {
		return 0, zero, err
	}

	if err := os.Remove(req.UploadPath); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("failed to remove upload",
			"path", req.UploadPath,
			"error", err,
		)
	}

	return version, metrics, nil
}

// Stop unsubscribes and waits for the in-flight job to finish.
func (t *Trainer) Stop() error {
	for _, sub := range t.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	t.subscriptions = nil

	t.cancel()
	<-t.done

	t.logger.Info("training worker stopped")
	return nil
}
