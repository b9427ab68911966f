package domain

import (
	"time"
)

// CaseStatus is the lifecycle position of a case.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseInvestigating CaseStatus = "investigating"
	CaseResolved      CaseStatus = "resolved"
	CaseClosed        CaseStatus = "closed"
)

// Priority orders cases for investigators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists priorities from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Next returns the priority one step higher, or p itself at the top.
func (p Priority) Next() Priority {
	for i, q := range Priorities {
		if q == p && i+1 < len(Priorities) {
			return Priorities[i+1]
		}
	}
	return p
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	for _, q := range Priorities {
		if q == p {
			return true
		}
	}
	return false
}

// FraudType classifies the suspected fraud.
type FraudType string

const (
	FraudAccountTakeover FraudType = "account_takeover"
	FraudIdentityTheft   FraudType = "identity_theft"
	FraudTransaction     FraudType = "transaction_fraud"
	FraudCard            FraudType = "card_fraud"
	FraudPhishing        FraudType = "phishing"
	FraudMoneyLaundering FraudType = "money_laundering"
	FraudOther           FraudType = "other"
)

// Valid reports whether t is a known fraud type.
func (t FraudType) Valid() bool {
	switch t {
	case FraudAccountTakeover, FraudIdentityTheft, FraudTransaction, FraudCard,
		FraudPhishing, FraudMoneyLaundering, FraudOther:
		return true
	}
	return false
}

// DetectionMethod records how a case came to exist.
type DetectionMethod string

const (
	DetectedByRule     DetectionMethod = "rule_based"
	DetectedByML       DetectionMethod = "ml_model"
	DetectedManually   DetectionMethod = "manual_report"
	DetectedExternally DetectionMethod = "external_report"
)

// Valid reports whether m is a known detection method.
func (m DetectionMethod) Valid() bool {
	switch m {
	case DetectedByRule, DetectedByML, DetectedManually, DetectedExternally:
		return true
	}
	return false
}

// Resolution is the final category of a resolved case.
type Resolution string

const (
	ResolutionConfirmedFraud       Resolution = "confirmed_fraud"
	ResolutionFalsePositive        Resolution = "false_positive"
	ResolutionInsufficientEvidence Resolution = "insufficient_evidence"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionConfirmedFraud, ResolutionFalsePositive, ResolutionInsufficientEvidence:
		return true
	}
	return false
}

// Outcome maps a resolution to the score outcome it confirms.
// Insufficient evidence confirms nothing.
func (r Resolution) Outcome() Outcome {
	switch r {
	case ResolutionConfirmedFraud:
		return OutcomeFraud
	case ResolutionFalsePositive:
		return OutcomeLegitimate
	}
	return OutcomeNone
}

// CaseEntry is one append-only log line: a note, an evidence item or an action.
type CaseEntry struct {
	ID        string            `json:"id"`
	At        time.Time         `json:"at"`
	By        string            `json:"by"`
	Kind      string            `json:"kind,omitempty"`
	Text      string            `json:"text"`
	Reference string            `json:"reference,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RegulatorReport records a filing made to a regulator.
type RegulatorReport struct {
	Regulator string    `json:"regulator"`
	Reference string    `json:"reference,omitempty"`
	Details   string    `json:"details"`
	By        string    `json:"by"`
	At        time.Time `json:"at"`
}

// Case is a durable fraud investigation record.
type Case struct {
	ID              string          `json:"id"`
	CaseNumber      string          `json:"caseNumber"`
	Status          CaseStatus      `json:"status"`
	Priority        Priority        `json:"priority"`
	FraudType       FraudType       `json:"fraudType"`
	DetectionMethod DetectionMethod `json:"detectionMethod"`

	Subject          EntityRef       `json:"subject"`
	RelatedEntities  []RelatedEntity `json:"relatedEntities,omitempty"`
	TotalAmount      float64         `json:"totalAmount"`
	Currency         string          `json:"currency,omitempty"`
	TransactionCount int             `json:"transactionCount"`
	FraudStart       *time.Time      `json:"fraudStart,omitempty"`
	FraudEnd         *time.Time      `json:"fraudEnd,omitempty"`
	ScoreID          string          `json:"scoreId,omitempty"`
	TriggeredRules   []string        `json:"triggeredRules,omitempty"`

	AssignedTo               string     `json:"assignedTo,omitempty"`
	AssignedAt               *time.Time `json:"assignedAt,omitempty"`
	InvestigationStartedAt   *time.Time `json:"investigationStartedAt,omitempty"`
	InvestigationCompletedAt *time.Time `json:"investigationCompletedAt,omitempty"`

	Notes    []CaseEntry `json:"notes"`
	Evidence []CaseEntry `json:"evidence"`
	Actions  []CaseEntry `json:"actions"`

	Resolution              Resolution        `json:"resolution,omitempty"`
	ResolutionSummary       string            `json:"resolutionSummary,omitempty"`
	ResolvedBy              string            `json:"resolvedBy,omitempty"`
	ResolvedAt              *time.Time        `json:"resolvedAt,omitempty"`
	FundsRecovered          bool              `json:"fundsRecovered"`
	AmountRecovered         float64           `json:"amountRecovered"`
	LawEnforcementNotified  bool              `json:"lawEnforcementNotified"`
	LawEnforcementReference string            `json:"lawEnforcementReference,omitempty"`
	RegulatorReports        []RegulatorReport `json:"regulatorReports,omitempty"`
	CustomerNotified        bool              `json:"customerNotified"`
	CustomerNotifiedAt      *time.Time        `json:"customerNotifiedAt,omitempty"`
	PreventionMeasures      []string          `json:"preventionMeasures,omitempty"`
	ClosedAt                *time.Time        `json:"closedAt,omitempty"`

	Escalated        bool       `json:"escalated"`
	EscalationReason string     `json:"escalationReason,omitempty"`
	EscalatedAt      *time.Time `json:"escalatedAt,omitempty"`

	Tags      []string  `json:"tags,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecoveryRate is amount_recovered / total_amount * 100, or 0 without exposure.
func (c *Case) RecoveryRate() float64 {
	if c.TotalAmount <= 0 {
		return 0
	}
	return c.AmountRecovered / c.TotalAmount * 100
}

// CaseFilter narrows case listings.
type CaseFilter struct {
	Status     CaseStatus
	Priority   Priority
	FraudType  FraudType
	AssignedTo string
	Subject    *EntityRef
	Escalated  *bool
	Search     string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// CaseStatistics summarises the case book.
type CaseStatistics struct {
	Total                  int                `json:"total"`
	ByStatus               map[CaseStatus]int `json:"byStatus"`
	ByPriority             map[Priority]int   `json:"byPriority"`
	ByResolution           map[Resolution]int `json:"byResolution"`
	ByFraudType            map[FraudType]int  `json:"byFraudType"`
	Escalated              int                `json:"escalated"`
	TotalExposure          float64            `json:"totalExposure"`
	TotalRecovered         float64            `json:"totalRecovered"`
	RecoveryRate           float64            `json:"recoveryRate"`
	AverageResolutionHours float64            `json:"averageResolutionHours"`
}
