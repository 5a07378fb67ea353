// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository is the persistent document store contract. All methods require
// tenantID for strict multi-tenancy isolation. There are no cross-collection
// transactions; multi-step writes are sequenced by callers (see the lifecycle
// orchestrator and model store).
type Repository interface {
	// Customer operations
	SaveCustomer(ctx context.Context, tenantID string, c *Customer) error
	UpdateCustomer(ctx context.Context, tenantID string, c *Customer) error
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*Customer, error)
	GetCustomerByUser(ctx context.Context, tenantID string, userID string) (*Customer, error)
	ListCustomers(ctx context.Context, tenantID string) ([]*Customer, error)
	TopCustomers(ctx context.Context, tenantID string, kind string, limit int) ([]*Customer, error)

	// Transaction operations (append-only)
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, limit int) ([]*Transaction, error)
	SumSpend(ctx context.Context, tenantID string, customerID string) (float64, error)
	SumSpendInWindow(ctx context.Context, tenantID string, customerID string, from, to time.Time) (float64, error)
	CountTransactions(ctx context.Context, tenantID string, customerID string) (int64, error)

	// Risk score history (append-only)
	SaveRiskScore(ctx context.Context, tenantID string, score *RiskScore) error
	ListRiskScores(ctx context.Context, tenantID string, customerID string, limit int) ([]*RiskScore, error)

	// Model version registry
	SaveModelVersion(ctx context.Context, tenantID string, mv *ModelVersion) error
	DeactivateModelVersions(ctx context.Context, tenantID string) error
	ActiveModelVersions(ctx context.Context, tenantID string) ([]*ModelVersion, error)
	ListModelVersions(ctx context.Context, tenantID string) ([]*ModelVersion, error)
	NextModelVersion(ctx context.Context, tenantID string) (int, error)

	// Outreach rule configuration
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Dashboard query kinds for TopCustomers.
const (
	TopKindLatest      = "latest"
	TopKindFlagged     = "flagged"
	TopKindUtilisation = "utilisation"
	TopKindCash        = "cash"
)

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
