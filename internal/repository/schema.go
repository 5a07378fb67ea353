package repository

// Schema definitions for the Kestrel document store.
// Compatible with both SQLite and PostgreSQL.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    customer_code TEXT NOT NULL,
    credit_limit REAL NOT NULL DEFAULT 0,
    utilisation_pct REAL NOT NULL DEFAULT 0,
    avg_payment_ratio REAL NOT NULL DEFAULT 0,
    min_due_paid_frequency REAL NOT NULL DEFAULT 0,
    merchant_mix_index REAL NOT NULL DEFAULT 0,
    cash_withdrawal_pct REAL NOT NULL DEFAULT 0,
    recent_spend_change_pct REAL NOT NULL DEFAULT 0,
    risk_band TEXT,
    last_score REAL,
    spend_cap REAL,
    category_blocks TEXT,
    alerts_enabled INTEGER NOT NULL DEFAULT 1,
    contact TEXT,
    source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_customers_tenant ON customers(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_user ON customers(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_customers_band ON customers(tenant_id, risk_band);
CREATE INDEX IF NOT EXISTS idx_customers_utilisation ON customers(tenant_id, utilisation_pct);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    amount REAL NOT NULL,
    category TEXT NOT NULL,
    description TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, customer_id, timestamp);
`

const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    ml_probability REAL NOT NULL,
    ensemble_probability REAL NOT NULL,
    risk_band TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_tenant ON risk_scores(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_scores_customer ON risk_scores(tenant_id, customer_id, timestamp);
`

const schemaModelVersions = `
CREATE TABLE IF NOT EXISTS model_versions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    logreg_auc REAL NOT NULL,
    tree_auc REAL NOT NULL,
    nn_auc REAL NOT NULL,
    baseline TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_model_versions_tenant ON model_versions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_model_versions_active ON model_versions(tenant_id, is_active);
`

// schemaModelSequences backs per-tenant version assignment. A dedicated
// sequence row replaces count-based numbering so concurrent retrains cannot
// allocate the same version.
const schemaModelSequences = `
CREATE TABLE IF NOT EXISTS model_sequences (
    tenant_id TEXT PRIMARY KEY,
    next_version INTEGER NOT NULL
);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    outreach TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaTransactions,
		schemaRiskScores,
		schemaModelVersions,
		schemaModelSequences,
		schemaRuleConfigs,
	}
}
