// Package lifecycle runs the per-event risk sequence: resolve customer,
// gate the transaction, refresh aggregates, score, band, persist, alert.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// Notifier delivers risk alerts; failures are logged and swallowed here.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, event *domain.AlertEvent) error
}

// spendCapWindow is the rolling window a spend cap applies to.
const spendCapWindow = 30 * 24 * time.Hour

// alertWindow bounds repeat alerts for one customer. A band that flaps
// around the High threshold raises at most one alert per window.
const alertWindow = time.Hour

// snapshotTTL bounds how long the cached dashboard snapshot outlives the
// lifecycle event that wrote it.
const snapshotTTL = 5 * time.Minute

// Orchestrator serializes lifecycle events per customer and drives the
// eight-step scoring sequence.
type Orchestrator struct {
	repo      domain.Repository
	extractor *features.Extractor
	engine    *scoring.Engine
	rules     *rules.Engine
	notifier  Notifier
	bus       domain.EventBus
	cache     domain.Cache
	logger    *slog.Logger

	// governingTenant owns the production model every customer is scored
	// against. Customer rows keep their own tenant.
	governingTenant string

	locks syncutil.ShardedMutex
	now   func() time.Time
}

// Config wires an orchestrator.
type Config struct {
	Repo            domain.Repository
	Extractor       *features.Extractor
	Engine          *scoring.Engine
	Rules           *rules.Engine
	Notifier        Notifier
	Bus             domain.EventBus
	Cache           domain.Cache
	Logger          *slog.Logger
	GoverningTenant string
}

// New creates a lifecycle orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	governing := cfg.GoverningTenant
	if governing == "" {
		governing = "admin"
	}
	return &Orchestrator{
		repo:            cfg.Repo,
		extractor:       cfg.Extractor,
		engine:          cfg.Engine,
		rules:           cfg.Rules,
		notifier:        cfg.Notifier,
		bus:             cfg.Bus,
		cache:           cfg.Cache,
		logger:          logger,
		governingTenant: governing,
		now:             time.Now,
	}
}

// Result is the outcome of one lifecycle event.
type Result struct {
	Customer    *domain.Customer    `json:"customer"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Score       *domain.RiskScore   `json:"score,omitempty"`
	Summary     *domain.RiskSummary `json:"summary,omitempty"`
	Scored      bool                `json:"scored"`
}

// EnsureCustomer resolves the customer record for a user, creating it with
// the default profile on first access.
func (o *Orchestrator) EnsureCustomer(ctx context.Context, tenantID, userID string) (*domain.Customer, error) {
	c, err := o.repo.GetCustomerByUser(ctx, tenantID, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	c = domain.NewCustomer(tenantID, userID, uuid.New().String())
	if err := o.repo.SaveCustomer(ctx, tenantID, c); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	o.logger.Info("customer created",
		"tenant_id", tenantID,
		"customer_id", c.ID,
		"customer_code", c.CustomerID,
	)
	return c, nil
}

// ProcessTransaction runs steps 1-8 for a new transaction. The whole
// sequence holds the customer's lock so concurrent events cannot interleave
// their aggregate recomputation.
func (o *Orchestrator) ProcessTransaction(ctx context.Context, tenantID, userID string, req *domain.TransactionRequest) (*Result, error) {
	if req == nil || req.Amount <= 0 {
		return nil, domain.NewValidationError("transaction amount must be positive")
	}

	unlock := o.locks.Lock(tenantID + "/" + userID)
	defer unlock()

	// Step 1: resolve or lazily create the customer
	c, err := o.EnsureCustomer(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	// Step 2: gate on controls before anything is written
	category := domain.NormalizeCategory(req.Category)
	if c.BlocksCategory(category) {
		return nil, domain.NewValidationError("category %q is blocked for this customer", category)
	}

	balance, err := o.repo.SumSpend(ctx, tenantID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute balance: %w", err)
	}
	if balance+req.Amount > c.CreditLimit {
		return nil, &domain.DomainLimitError{
			Limit:     c.CreditLimit,
			Balance:   balance,
			Requested: req.Amount,
			Available: c.CreditLimit - balance,
			Reason:    "credit_limit",
		}
	}

	if c.SpendCap != nil {
		to := o.now().UTC()
		windowSpend, err := o.repo.SumSpendInWindow(ctx, tenantID, c.ID, to.Add(-spendCapWindow), to.Add(time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to compute window spend: %w", err)
		}
		if windowSpend+req.Amount > *c.SpendCap {
			return nil, &domain.DomainLimitError{
				Limit:     *c.SpendCap,
				Balance:   windowSpend,
				Requested: req.Amount,
				Available: *c.SpendCap - windowSpend,
				Reason:    "spend_cap",
			}
		}
	}

	// Step 2 continued: append the transaction
	tx := &domain.Transaction{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		CustomerID:  c.ID,
		Amount:      req.Amount,
		Category:    category,
		Description: req.Description,
		Timestamp:   o.now().UTC(),
	}
	if err := o.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}

	// Steps 3-8
	result, err := o.rescoreLocked(ctx, tenantID, c)
	if err != nil {
		return nil, err
	}
	result.Transaction = tx
	return result, nil
}

// Rescore runs steps 3-8 without a new transaction: the admin-edit and
// risk-summary path.
func (o *Orchestrator) Rescore(ctx context.Context, tenantID, userID string) (*Result, error) {
	unlock := o.locks.Lock(tenantID + "/" + userID)
	defer unlock()

	c, err := o.EnsureCustomer(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return o.rescoreLocked(ctx, tenantID, c)
}

// RescoreCustomer is Rescore for an already-loaded customer record, used by
// the admin edit paths that mutate the record first. The caller's mutation
// is persisted as part of the sequence.
func (o *Orchestrator) RescoreCustomer(ctx context.Context, tenantID string, c *domain.Customer) (*Result, error) {
	unlock := o.locks.Lock(tenantID + "/" + c.UserID)
	defer unlock()

	if err := o.repo.UpdateCustomer(ctx, tenantID, c); err != nil {
		return nil, fmt.Errorf("failed to persist customer edit: %w", err)
	}
	return o.rescoreLocked(ctx, tenantID, c)
}

// rescoreLocked runs steps 3-8. The caller holds the customer lock.
func (o *Orchestrator) rescoreLocked(ctx context.Context, tenantID string, c *domain.Customer) (*Result, error) {
	// Steps 3-4: refresh aggregates and build the vector
	vector, err := o.extractor.Recompute(ctx, tenantID, c)
	if err != nil {
		return nil, err
	}

	priorBand := c.RiskBand
	result := &Result{Customer: c}

	// Step 5: score against the governing tenant's active model. An
	// untrained deployment still accepts transactions; the event is simply
	// recorded unscored.
	scored, err := o.engine.Score(ctx, o.governingTenant, vector)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveModel) {
			o.logger.Warn("scoring skipped, no active model",
				"tenant_id", tenantID,
				"governing_tenant", o.governingTenant,
			)
			if uerr := o.repo.UpdateCustomer(ctx, tenantID, c); uerr != nil {
				return nil, fmt.Errorf("failed to persist aggregates: %w", uerr)
			}
			o.writeSnapshot(ctx, tenantID, c)
			return result, nil
		}
		return nil, err
	}

	// Step 6 happened inside the engine (3-band scheme); steps 7: history
	// row plus live snapshot, in that order
	score := &domain.RiskScore{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		CustomerID:          c.ID,
		MLProbability:       scored.PLinear,
		EnsembleProbability: scored.Ensemble,
		RiskBand:            scored.RiskBand,
		Timestamp:           o.now().UTC(),
	}
	if err := o.repo.SaveRiskScore(ctx, tenantID, score); err != nil {
		return nil, fmt.Errorf("failed to append risk score: %w", err)
	}

	c.RiskBand = scored.RiskBand
	ensemble := scored.Ensemble
	c.LastScore = &ensemble
	if err := o.repo.UpdateCustomer(ctx, tenantID, c); err != nil {
		return nil, fmt.Errorf("failed to update customer snapshot: %w", err)
	}
	o.writeSnapshot(ctx, tenantID, c)

	summary := &domain.RiskSummary{
		MLProbability:       scored.PLinear,
		EnsembleProbability: scored.Ensemble,
		RiskBand:            scored.RiskBand,
		TopFeatures:         scored.TopN,
	}
	if o.rules != nil {
		summary.Rules = o.rules.EvaluateAll(ctx, &rules.Input{
			Features:            vector,
			MLProbability:       scored.PLinear,
			EnsembleProbability: scored.Ensemble,
			RiskBand:            scored.RiskBand,
		})
	}

	result.Score = score
	result.Summary = summary
	result.Scored = true

	o.publishScore(ctx, tenantID, score)

	// Step 8: alert on the transition into High, when enabled
	if scored.RiskBand == scoring.BandHigh && priorBand != scoring.BandHigh && c.AlertsEnabled {
		o.dispatchAlert(ctx, tenantID, c, priorBand, scored.Ensemble, summary.Rules)
	}
	return result, nil
}

// writeSnapshot caches the dashboard view of the customer as just
// persisted, so snapshot reads always reflect the latest lifecycle event.
// Cache failures are ignored; the read path falls back to the repository.
func (o *Orchestrator) writeSnapshot(ctx context.Context, tenantID string, c *domain.Customer) {
	if o.cache == nil {
		return
	}
	snap := &domain.CustomerSnapshot{
		CustomerID:     c.ID,
		RiskBand:       c.RiskBand,
		UtilisationPct: c.UtilisationPct,
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastScore != nil {
		snap.LastScore = *c.LastScore
	}
	o.cache.SetSnapshot(ctx, tenantID, c.ID, snap, snapshotTTL)
}

// dispatchAlert signals the notifier. Failures are logged, never surfaced:
// alerting must not fail a transaction.
func (o *Orchestrator) dispatchAlert(ctx context.Context, tenantID string, c *domain.Customer, priorBand string, score float64, triggers []domain.RuleTrigger) {
	if o.notifier == nil {
		return
	}

	if o.cache != nil {
		count, err := o.cache.IncrementCounter(ctx, tenantID, "alerts:"+c.ID, alertWindow)
		if err == nil && count > 1 {
			o.logger.Info("alert suppressed, customer already alerted this window",
				"tenant_id", tenantID,
				"customer_id", c.ID,
				"count", count,
			)
			return
		}
	}

	reason := "Risk score moved into the High band"
	if len(triggers) > 0 {
		reason = triggers[0].Reason
	}

	event := &domain.AlertEvent{
		TenantID:   tenantID,
		CustomerID: c.ID,
		Contact:    c.Contact,
		RiskBand:   c.RiskBand,
		PriorBand:  priorBand,
		Score:      score,
		Reason:     reason,
	}
	if err := o.notifier.Notify(ctx, tenantID, event); err != nil {
		o.logger.Error("alert dispatch failed",
			"tenant_id", tenantID,
			"customer_id", c.ID,
			"error", err,
		)
	}
}

func (o *Orchestrator) publishScore(ctx context.Context, tenantID string, score *domain.RiskScore) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(score)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, tenantID, domain.TopicScoreRecorded, payload); err != nil {
		o.logger.Warn("score event publish failed",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
