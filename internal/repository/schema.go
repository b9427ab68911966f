package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_blocking INTEGER NOT NULL DEFAULT 0,
    conditions TEXT NOT NULL,
    thresholds TEXT,
    time_window TEXT,
    min_occurrences INTEGER NOT NULL DEFAULT 0,
    expression TEXT,
    base_score INTEGER NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    actions TEXT,
    notification_channels TEXT,
    ml TEXT,
    tags TEXT,
    tuning_history TEXT,
    triggers_count INTEGER NOT NULL DEFAULT 0,
    true_positives INTEGER NOT NULL DEFAULT 0,
    false_positives INTEGER NOT NULL DEFAULT 0,
    precision_rate REAL,
    last_triggered_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(is_active);
CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(category);
`

const schemaScores = `
CREATE TABLE IF NOT EXISTS scores (
    id TEXT PRIMARY KEY,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    score_type TEXT NOT NULL,
    entity_snapshot TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    behavioral_factors TEXT,
    device_factors TEXT,
    network_factors TEXT,
    rule_score REAL NOT NULL,
    total_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    ml_score REAL,
    ml_explanation TEXT,
    decision TEXT NOT NULL,
    is_override INTEGER NOT NULL DEFAULT 0,
    override_by TEXT,
    override_reason TEXT,
    decision_at TIMESTAMP NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    outcome_by TEXT,
    outcome_notes TEXT,
    outcome_at TIMESTAMP,
    case_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_entity ON scores(entity_kind, entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scores_decision ON scores(decision);
CREATE INDEX IF NOT EXISTS idx_scores_case ON scores(case_id);
`

// schemaCases keeps filterable columns alongside the full case document.
// version guards concurrent writers across replicas.
const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    case_number TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    fraud_type TEXT NOT NULL,
    detection_method TEXT NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    score_id TEXT,
    total_amount REAL NOT NULL DEFAULT 0,
    assigned_to TEXT,
    escalated INTEGER NOT NULL DEFAULT 0,
    resolution TEXT,
    document TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_priority ON cases(priority);
CREATE INDEX IF NOT EXISTS idx_cases_subject ON cases(subject_kind, subject_id);
CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);
`

const schemaCaseSequences = `
CREATE TABLE IF NOT EXISTS case_sequences (
    period TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaScores,
		schemaCases,
		schemaCaseSequences,
	}
}
