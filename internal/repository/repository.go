// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const customerColumns = `id, tenant_id, user_id, customer_code, credit_limit,
	   utilisation_pct, avg_payment_ratio, min_due_paid_frequency,
	   merchant_mix_index, cash_withdrawal_pct, recent_spend_change_pct,
	   risk_band, last_score, spend_cap, category_blocks, alerts_enabled,
	   contact, source, created_at, updated_at`

// SaveCustomer inserts a new customer record with tenant isolation.
func (r *SQLRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	blocks, _ := json.Marshal(c.CategoryBlocks)

	query := `
		INSERT INTO customers (
			id, tenant_id, user_id, customer_code, credit_limit,
			utilisation_pct, avg_payment_ratio, min_due_paid_frequency,
			merchant_mix_index, cash_withdrawal_pct, recent_spend_change_pct,
			risk_band, last_score, spend_cap, category_blocks, alerts_enabled,
			contact, source, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.UserID, c.CustomerID, c.CreditLimit,
		c.UtilisationPct, c.AvgPaymentRatio, c.MinDuePaidFrequency,
		c.MerchantMixIndex, c.CashWithdrawalPct, c.RecentSpendChangePct,
		nullString(c.RiskBand), c.LastScore, c.SpendCap, string(blocks), boolInt(c.AlertsEnabled),
		nullString(c.Contact), c.Source, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// UpdateCustomer overwrites the customer's mutable fields.
func (r *SQLRepository) UpdateCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	blocks, _ := json.Marshal(c.CategoryBlocks)

	query := `
		UPDATE customers SET
			credit_limit = ?,
			utilisation_pct = ?,
			avg_payment_ratio = ?,
			min_due_paid_frequency = ?,
			merchant_mix_index = ?,
			cash_withdrawal_pct = ?,
			recent_spend_change_pct = ?,
			risk_band = ?,
			last_score = ?,
			spend_cap = ?,
			category_blocks = ?,
			alerts_enabled = ?,
			contact = ?,
			updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		c.CreditLimit,
		c.UtilisationPct, c.AvgPaymentRatio, c.MinDuePaidFrequency,
		c.MerchantMixIndex, c.CashWithdrawalPct, c.RecentSpendChangePct,
		nullString(c.RiskBand), c.LastScore, c.SpendCap, string(blocks), boolInt(c.AlertsEnabled),
		nullString(c.Contact), time.Now().UTC(),
		tenantID, c.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCustomer retrieves a customer by ID with tenant isolation.
func (r *SQLRepository) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID)
	return scanCustomer(row)
}

// GetCustomerByUser retrieves a customer by owning user with tenant isolation.
func (r *SQLRepository) GetCustomerByUser(ctx context.Context, tenantID string, userID string) (*domain.Customer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ? AND user_id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID)
	return scanCustomer(row)
}

// ListCustomers retrieves all customers for a tenant.
func (r *SQLRepository) ListCustomers(ctx context.Context, tenantID string) ([]*domain.Customer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ? ORDER BY created_at DESC`
	return r.queryCustomers(ctx, query, tenantID)
}

// TopCustomers serves the dashboard cards: newest app users, flagged bands,
// highest utilisation, or highest cash share.
func (r *SQLRepository) TopCustomers(ctx context.Context, tenantID string, kind string, limit int) ([]*domain.Customer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	var query string
	switch kind {
	case domain.TopKindLatest:
		query = `SELECT ` + customerColumns + ` FROM customers
			WHERE tenant_id = ? AND source = 'app_user'
			ORDER BY created_at DESC LIMIT ?`
	case domain.TopKindFlagged:
		query = `SELECT ` + customerColumns + ` FROM customers
			WHERE tenant_id = ? AND source = 'app_user' AND risk_band IN ('High', 'Critical')
			ORDER BY updated_at DESC LIMIT ?`
	case domain.TopKindUtilisation:
		query = `SELECT ` + customerColumns + ` FROM customers
			WHERE tenant_id = ? AND source = 'app_user'
			ORDER BY utilisation_pct DESC LIMIT ?`
	case domain.TopKindCash:
		query = `SELECT ` + customerColumns + ` FROM customers
			WHERE tenant_id = ? AND source = 'app_user'
			ORDER BY cash_withdrawal_pct DESC LIMIT ?`
	default:
		return nil, fmt.Errorf("%w: unknown top kind %q", ErrInvalidInput, kind)
	}

	return r.queryCustomers(ctx, query, tenantID, limit)
}

func (r *SQLRepository) queryCustomers(ctx context.Context, query string, args ...any) ([]*domain.Customer, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []*domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	var riskBand, blocks, contact sql.NullString
	var lastScore, spendCap sql.NullFloat64
	var alertsEnabled int

	err := row.Scan(
		&c.ID, &c.TenantID, &c.UserID, &c.CustomerID, &c.CreditLimit,
		&c.UtilisationPct, &c.AvgPaymentRatio, &c.MinDuePaidFrequency,
		&c.MerchantMixIndex, &c.CashWithdrawalPct, &c.RecentSpendChangePct,
		&riskBand, &lastScore, &spendCap, &blocks, &alertsEnabled,
		&contact, &c.Source, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.RiskBand = riskBand.String
	c.Contact = contact.String
	if lastScore.Valid {
		v := lastScore.Float64
		c.LastScore = &v
	}
	if spendCap.Valid {
		v := spendCap.Float64
		c.SpendCap = &v
	}
	if blocks.Valid && blocks.String != "" {
		json.Unmarshal([]byte(blocks.String), &c.CategoryBlocks)
	}
	c.AlertsEnabled = alertsEnabled == 1

	return &c, nil
}

// SaveTransaction stores a transaction with tenant isolation. Transactions
// are append-only; there is no update path.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, customer_id, amount, category, description, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.CustomerID, tx.Amount, tx.Category,
		nullString(tx.Description), tx.Timestamp,
	)
	return err
}

// GetTransactionsByCustomer retrieves a customer's transactions, newest
// first. limit <= 0 returns the full log.
func (r *SQLRepository) GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, amount, category, description, timestamp
		FROM transactions
		WHERE tenant_id = ? AND customer_id = ?
		ORDER BY timestamp DESC
	`
	args := []any{tenantID, customerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var description sql.NullString

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Amount, &tx.Category,
			&description, &tx.Timestamp,
		); err != nil {
			return nil, err
		}
		tx.Description = description.String
		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SumSpend totals all spend for a customer.
func (r *SQLRepository) SumSpend(ctx context.Context, tenantID string, customerID string) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE tenant_id = ? AND customer_id = ?`

	var total float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(&total)
	return total, err
}

// SumSpendInWindow totals spend in [from, to).
func (r *SQLRepository) SumSpendInWindow(ctx context.Context, tenantID string, customerID string, from, to time.Time) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE tenant_id = ? AND customer_id = ? AND timestamp >= ? AND timestamp < ?
	`

	var total float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID, from, to).Scan(&total)
	return total, err
}

// CountTransactions returns the size of the customer's transaction log.
func (r *SQLRepository) CountTransactions(ctx context.Context, tenantID string, customerID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND customer_id = ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(&count)
	return count, err
}

// SaveRiskScore appends an immutable scoring-event row.
func (r *SQLRepository) SaveRiskScore(ctx context.Context, tenantID string, score *domain.RiskScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO risk_scores (
			id, tenant_id, customer_id, ml_probability, ensemble_probability, risk_band, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		score.ID, tenantID, score.CustomerID,
		score.MLProbability, score.EnsembleProbability, score.RiskBand, score.Timestamp,
	)
	return err
}

// ListRiskScores returns a customer's scoring history, newest first.
func (r *SQLRepository) ListRiskScores(ctx context.Context, tenantID string, customerID string, limit int) ([]*domain.RiskScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, customer_id, ml_probability, ensemble_probability, risk_band, timestamp
		FROM risk_scores
		WHERE tenant_id = ? AND customer_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []*domain.RiskScore
	for rows.Next() {
		var s domain.RiskScore
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.CustomerID,
			&s.MLProbability, &s.EnsembleProbability, &s.RiskBand, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		scores = append(scores, &s)
	}

	return scores, rows.Err()
}

// SaveModelVersion inserts a version registry row.
func (r *SQLRepository) SaveModelVersion(ctx context.Context, tenantID string, mv *domain.ModelVersion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var baseline any
	if mv.Baseline != nil {
		data, err := json.Marshal(mv.Baseline)
		if err != nil {
			return fmt.Errorf("failed to encode baseline stats: %w", err)
		}
		baseline = string(data)
	}

	query := `
		INSERT INTO model_versions (
			id, tenant_id, version, is_active, logreg_auc, tree_auc, nn_auc, baseline, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		mv.ID, tenantID, mv.Version, boolInt(mv.IsActive),
		mv.LogregAUC, mv.TreeAUC, mv.NNAUC, baseline, mv.CreatedAt,
	)
	return err
}

// DeactivateModelVersions clears the active flag on every version for a
// tenant. Paired with a subsequent SaveModelVersion; the two statements are
// not transactional (see the model store's invariant check).
func (r *SQLRepository) DeactivateModelVersions(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE model_versions SET is_active = 0 WHERE tenant_id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID)
	return err
}

// ActiveModelVersions returns all rows flagged active, newest first. A
// healthy tenant has exactly one.
func (r *SQLRepository) ActiveModelVersions(ctx context.Context, tenantID string) ([]*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, version, is_active, logreg_auc, tree_auc, nn_auc, baseline, created_at
		FROM model_versions
		WHERE tenant_id = ? AND is_active = 1
		ORDER BY created_at DESC
	`
	return r.queryModelVersions(ctx, query, tenantID)
}

// ListModelVersions returns all versions for a tenant, newest first.
func (r *SQLRepository) ListModelVersions(ctx context.Context, tenantID string) ([]*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, version, is_active, logreg_auc, tree_auc, nn_auc, baseline, created_at
		FROM model_versions
		WHERE tenant_id = ?
		ORDER BY version DESC
	`
	return r.queryModelVersions(ctx, query, tenantID)
}

func (r *SQLRepository) queryModelVersions(ctx context.Context, query string, args ...any) ([]*domain.ModelVersion, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.ModelVersion
	for rows.Next() {
		var mv domain.ModelVersion
		var active int
		var baseline sql.NullString

		if err := rows.Scan(
			&mv.ID, &mv.TenantID, &mv.Version, &active,
			&mv.LogregAUC, &mv.TreeAUC, &mv.NNAUC, &baseline, &mv.CreatedAt,
		); err != nil {
			return nil, err
		}

		mv.IsActive = active == 1
		if baseline.Valid && baseline.String != "" {
			var stats domain.BaselineStats
			if err := json.Unmarshal([]byte(baseline.String), &stats); err == nil {
				mv.Baseline = &stats
			}
		}
		versions = append(versions, &mv)
	}

	return versions, rows.Err()
}

// NextModelVersion atomically allocates the next version number for a
// tenant from its sequence row.
func (r *SQLRepository) NextModelVersion(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO model_sequences (tenant_id, next_version) VALUES (?, 1)
		ON CONFLICT(tenant_id) DO UPDATE SET next_version = model_sequences.next_version + 1
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsert), tenantID); err != nil {
		return 0, err
	}

	var version int
	sel := `SELECT next_version FROM model_sequences WHERE tenant_id = ?`
	if err := tx.QueryRowContext(ctx, r.rebind(sel), tenantID).Scan(&version); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// SaveRuleConfig upserts an outreach rule with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, expression, reason, outreach, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			outreach = excluded.outreach,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, rule.Reason, rule.Outreach, boolInt(rule.Enabled),
		now, now,
	)
	return err
}

// ListRuleConfigs retrieves all enabled outreach rules for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, reason, outreach, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Expression, &cfg.Reason, &cfg.Outreach, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
