// Package cases manages the lifecycle of fraud investigations.
//
// A case moves open -> investigating -> resolved -> closed and never back.
// Every mutation holds a per-case lock, is persisted with an optimistic
// version check and is announced on the event bus.
package cases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// SystemActor signs entries written by the engine itself.
const SystemActor = "system"

// Store is the persistence the manager needs. domain.Repository satisfies it.
type Store interface {
	SaveCase(ctx context.Context, c *domain.Case) error
	UpdateCase(ctx context.Context, c *domain.Case) error
	GetCase(ctx context.Context, id string) (*domain.Case, error)
	GetCaseByNumber(ctx context.Context, number string) (*domain.Case, error)
	ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error)
	NextCaseSequence(ctx context.Context, period string) (int64, error)
	LinkScoreCase(ctx context.Context, scoreID, caseID string) error
}

// OutcomeConfirmer receives the outcome a resolution implies for the
// score that opened the case.
type OutcomeConfirmer interface {
	ConfirmOutcome(ctx context.Context, scoreID string, outcome domain.Outcome, actor, notes string) error
}

// Manager owns every case transition.
type Manager struct {
	store     Store
	bus       domain.EventBus
	metrics   *metrics.Metrics
	confirmer OutcomeConfirmer
	locks     *keyedMutex
	now       func() time.Time
}

// NewManager creates a case manager. events and m may be nil.
func NewManager(store Store, events domain.EventBus, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		bus:     events,
		metrics: m,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetOutcomeConfirmer wires resolution feedback. The decision service
// depends on the manager, so it is injected after construction.
func (m *Manager) SetOutcomeConfirmer(c OutcomeConfirmer) {
	m.confirmer = c
}

// OpenRequest describes a manually opened case.
type OpenRequest struct {
	Subject          domain.EntityRef
	FraudType        domain.FraudType
	Priority         domain.Priority
	DetectionMethod  domain.DetectionMethod
	RelatedEntities  []domain.RelatedEntity
	TotalAmount      float64
	Currency         string
	TransactionCount int
	FraudStart       *time.Time
	FraudEnd         *time.Time
	Description      string
	Tags             []string
}

// OpenCase creates a case in the open state.
func (m *Manager) OpenCase(ctx context.Context, req OpenRequest, actor string) (*domain.Case, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	if req.FraudType == "" {
		req.FraudType = domain.FraudOther
	}
	if !req.FraudType.Valid() {
		return nil, fmt.Errorf("%w: unknown fraud type %q", domain.ErrInvalidInput, req.FraudType)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidInput, req.Priority)
	}
	if req.DetectionMethod == "" {
		req.DetectionMethod = domain.DetectedManually
	}
	if !req.DetectionMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown detection method %q", domain.ErrInvalidInput, req.DetectionMethod)
	}
	if req.TotalAmount < 0 {
		return nil, fmt.Errorf("%w: total amount must not be negative", domain.ErrInvalidInput)
	}
	if req.FraudStart != nil && req.FraudEnd != nil && req.FraudEnd.Before(*req.FraudStart) {
		return nil, fmt.Errorf("%w: fraud end precedes fraud start", domain.ErrInvalidInput)
	}
	for _, rel := range req.RelatedEntities {
		if err := rel.Validate(); err != nil {
			return nil, err
		}
	}
	if actor == "" {
		actor = SystemActor
	}

	now := m.now()
	c := &domain.Case{
		ID:               uuid.New().String(),
		Status:           domain.CaseOpen,
		Priority:         req.Priority,
		FraudType:        req.FraudType,
		DetectionMethod:  req.DetectionMethod,
		Subject:          req.Subject,
		RelatedEntities:  req.RelatedEntities,
		TotalAmount:      req.TotalAmount,
		Currency:         req.Currency,
		TransactionCount: req.TransactionCount,
		FraudStart:       req.FraudStart,
		FraudEnd:         req.FraudEnd,
		Notes:            []domain.CaseEntry{},
		Evidence:         []domain.CaseEntry{},
		Actions:          []domain.CaseEntry{},
		Tags:             req.Tags,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Description != "" {
		c.Notes = append(c.Notes, m.entry(actor, "report", req.Description, "", nil, now))
	}

	if err := m.create(ctx, c, actor); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenFromScore opens a case for a score whose decision requires one and
// links the score to it.
func (m *Manager) OpenFromScore(ctx context.Context, score *domain.Score) (*domain.Case, error) {
	if score.CaseID != "" {
		return nil, fmt.Errorf("%w: score %s already linked to case %s", domain.ErrConflict, score.ID, score.CaseID)
	}

	now := m.now()
	c := &domain.Case{
		ID:              uuid.New().String(),
		Status:          domain.CaseOpen,
		Priority:        tadp.CasePriority(score.TotalScore),
		FraudType:       fraudTypeFor(score),
		DetectionMethod: detectionMethodFor(score),
		Subject:         score.Entity,
		RelatedEntities: relatedEntities(score),
		ScoreID:         score.ID,
		TriggeredRules:  score.RuleCodes(),
		Notes: []domain.CaseEntry{m.entry(SystemActor, "system",
			fmt.Sprintf("Case created automatically from score %s (total %.2f, decision %s)",
				score.ID, score.TotalScore, score.Decision), "", nil, now)},
		Evidence:  []domain.CaseEntry{},
		Actions:   []domain.CaseEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if amount, err := cast.ToFloat64E(score.EntitySnapshot["amount"]); err == nil && amount > 0 {
		c.TotalAmount = amount
	}
	if currency, ok := score.EntitySnapshot["currency"].(string); ok {
		c.Currency = currency
	}
	if score.Entity.Kind == domain.EntityTransaction {
		c.TransactionCount = 1
	}

	if err := m.create(ctx, c, SystemActor); err != nil {
		return nil, err
	}
	if err := m.store.LinkScoreCase(ctx, score.ID, c.ID); err != nil {
		return nil, fmt.Errorf("link score %s to case %s: %w", score.ID, c.CaseNumber, err)
	}
	score.CaseID = c.ID
	return c, nil
}

func (m *Manager) create(ctx context.Context, c *domain.Case, actor string) error {
	number, err := m.nextCaseNumber(ctx, c.CreatedAt)
	if err != nil {
		return err
	}
	c.CaseNumber = number

	if err := m.store.SaveCase(ctx, c); err != nil {
		return err
	}

	m.metrics.IncrementCaseTransition("open", string(c.Status))
	m.publish(ctx, domain.TopicCaseOpened, c, "open", actor)
	slog.Info("case opened",
		"case_number", c.CaseNumber,
		"subject", c.Subject.String(),
		"priority", c.Priority,
		"score_id", c.ScoreID,
	)
	return nil
}

// CaseNumberPrefix starts every human-readable case number.
const CaseNumberPrefix = "FC-"

// nextCaseNumber allocates FC-YYYY-NNNNN, sequential per calendar year.
func (m *Manager) nextCaseNumber(ctx context.Context, at time.Time) (string, error) {
	year := at.Format("2006")
	seq, err := m.store.NextCaseSequence(ctx, year)
	if err != nil {
		return "", fmt.Errorf("allocate case number: %w", err)
	}
	return fmt.Sprintf("%s%s-%05d", CaseNumberPrefix, year, seq), nil
}

// Assign hands the case to an investigator. An open case moves to
// investigating.
func (m *Manager) Assign(ctx context.Context, id, assignee, actor string) (*domain.Case, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "assign", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "assign", domain.CaseOpen, domain.CaseInvestigating); err != nil {
			return err
		}
		c.Status = domain.CaseInvestigating
		c.AssignedTo = assignee
		c.AssignedAt = &now
		return nil
	})
}

// StartInvestigation moves the case to investigating and stamps the start
// time. It may follow Assign but runs once per case. An unassigned case is
// assigned to the actor.
func (m *Manager) StartInvestigation(ctx context.Context, id, actor string) (*domain.Case, error) {
	return m.mutate(ctx, id, "investigate", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "start investigation", domain.CaseOpen, domain.CaseInvestigating); err != nil {
			return err
		}
		if c.InvestigationStartedAt != nil {
			return fmt.Errorf("%w: investigation of case %s already started", domain.ErrInvalidTransition, c.CaseNumber)
		}
		c.Status = domain.CaseInvestigating
		c.InvestigationStartedAt = &now
		if c.AssignedTo == "" && actor != "" {
			c.AssignedTo = actor
			c.AssignedAt = &now
		}
		return nil
	})
}

// AddNote appends an investigation note.
func (m *Manager) AddNote(ctx context.Context, id, text, actor string) (*domain.Case, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: note text is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "note", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "add note", domain.CaseOpen, domain.CaseInvestigating); err != nil {
			return err
		}
		c.Notes = append(c.Notes, m.entry(actor, "investigation", text, "", nil, now))
		return nil
	})
}

// EvidenceRequest is one piece of evidence attached to a case.
type EvidenceRequest struct {
	Kind        string
	Description string
	Reference   string
	Metadata    map[string]string
}

// AddEvidence appends an evidence item.
func (m *Manager) AddEvidence(ctx context.Context, id string, req EvidenceRequest, actor string) (*domain.Case, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: evidence description is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "evidence", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "add evidence", domain.CaseOpen, domain.CaseInvestigating); err != nil {
			return err
		}
		c.Evidence = append(c.Evidence, m.entry(actor, req.Kind, req.Description, req.Reference, req.Metadata, now))
		return nil
	})
}

// RecordAction appends an action taken on the case, e.g. "card_blocked".
func (m *Manager) RecordAction(ctx context.Context, id, action, details, actor string) (*domain.Case, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "action", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "record action", domain.CaseOpen, domain.CaseInvestigating); err != nil {
			return err
		}
		c.Actions = append(c.Actions, m.entry(actor, action, details, "", nil, now))
		return nil
	})
}

// ResolveRequest carries the findings of an investigation.
type ResolveRequest struct {
	Resolution         domain.Resolution
	Summary            string
	AmountRecovered    float64
	PreventionMeasures []string
}

// Resolve closes the investigation. A confirmed_fraud or false_positive
// resolution of a case opened from a score confirms that score's outcome.
func (m *Manager) Resolve(ctx context.Context, id string, req ResolveRequest, actor string) (*domain.Case, error) {
	if !req.Resolution.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidInput, req.Resolution)
	}
	if strings.TrimSpace(req.Summary) == "" {
		return nil, fmt.Errorf("%w: resolution summary is required", domain.ErrInvalidInput)
	}
	if req.AmountRecovered < 0 {
		return nil, fmt.Errorf("%w: amount recovered must not be negative", domain.ErrInvalidInput)
	}

	c, err := m.mutate(ctx, id, "resolve", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "resolve", domain.CaseInvestigating); err != nil {
			return err
		}
		if req.AmountRecovered > c.TotalAmount {
			return fmt.Errorf("%w: amount recovered %.2f exceeds total amount %.2f",
				domain.ErrInvalidInput, req.AmountRecovered, c.TotalAmount)
		}
		c.Status = domain.CaseResolved
		c.Resolution = req.Resolution
		c.ResolutionSummary = req.Summary
		c.ResolvedBy = actor
		c.ResolvedAt = &now
		c.InvestigationCompletedAt = &now
		c.AmountRecovered = req.AmountRecovered
		c.FundsRecovered = req.AmountRecovered > 0
		c.PreventionMeasures = append(c.PreventionMeasures, req.PreventionMeasures...)
		c.Notes = append(c.Notes, m.entry(actor, "resolution", "Case resolved: "+string(req.Resolution), "", nil, now))
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.propagateOutcome(ctx, c, actor)
	return c, nil
}

func (m *Manager) propagateOutcome(ctx context.Context, c *domain.Case, actor string) {
	outcome := c.Resolution.Outcome()
	if c.ScoreID == "" || outcome == domain.OutcomeNone || m.confirmer == nil {
		return
	}
	notes := fmt.Sprintf("case %s resolved as %s", c.CaseNumber, c.Resolution)
	if err := m.confirmer.ConfirmOutcome(ctx, c.ScoreID, outcome, actor, notes); err != nil {
		slog.Error("failed to confirm score outcome from case",
			"case_number", c.CaseNumber,
			"score_id", c.ScoreID,
			"outcome", outcome,
			"error", err,
		)
	}
}

// Close archives a resolved case. The resolution time stays available in
// investigation_completed_at.
func (m *Manager) Close(ctx context.Context, id, actor string) (*domain.Case, error) {
	return m.mutate(ctx, id, "close", actor, func(c *domain.Case, now time.Time) error {
		if err := requireStatus(c, "close", domain.CaseResolved); err != nil {
			return err
		}
		c.Status = domain.CaseClosed
		c.ResolvedAt = nil
		c.ClosedAt = &now
		return nil
	})
}

// NotifyCustomer records that the affected customer was informed.
func (m *Manager) NotifyCustomer(ctx context.Context, id, actor string) (*domain.Case, error) {
	return m.mutate(ctx, id, "notify_customer", actor, func(c *domain.Case, now time.Time) error {
		c.CustomerNotified = true
		c.CustomerNotifiedAt = &now
		c.Actions = append(c.Actions, m.entry(actor, "customer_notified", "Customer notified", "", nil, now))
		return nil
	})
}

// NotifyLawEnforcement records a police or agency report.
func (m *Manager) NotifyLawEnforcement(ctx context.Context, id, reference, actor string) (*domain.Case, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: law enforcement reference is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "notify_law_enforcement", actor, func(c *domain.Case, now time.Time) error {
		c.LawEnforcementNotified = true
		c.LawEnforcementReference = reference
		c.Actions = append(c.Actions, m.entry(actor, "law_enforcement_notified", "Law enforcement notified", reference, nil, now))
		return nil
	})
}

// RegulatorReportRequest is one regulatory filing.
type RegulatorReportRequest struct {
	Regulator string
	Reference string
	Details   string
}

// ReportToRegulator appends a regulatory filing.
func (m *Manager) ReportToRegulator(ctx context.Context, id string, req RegulatorReportRequest, actor string) (*domain.Case, error) {
	if req.Regulator == "" || req.Details == "" {
		return nil, fmt.Errorf("%w: regulator and details are required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "report_regulator", actor, func(c *domain.Case, now time.Time) error {
		c.RegulatorReports = append(c.RegulatorReports, domain.RegulatorReport{
			Regulator: req.Regulator,
			Reference: req.Reference,
			Details:   req.Details,
			By:        actor,
			At:        now,
		})
		return nil
	})
}

// Escalate raises the priority one step and records why.
func (m *Manager) Escalate(ctx context.Context, id, reason, actor string) (*domain.Case, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: escalation reason is required", domain.ErrInvalidInput)
	}
	return m.mutate(ctx, id, "escalate", actor, func(c *domain.Case, now time.Time) error {
		c.Priority = c.Priority.Next()
		c.Escalated = true
		c.EscalationReason = reason
		c.EscalatedAt = &now
		c.Notes = append(c.Notes, m.entry(actor, "escalation",
			fmt.Sprintf("Case escalated to %s priority. Reason: %s", c.Priority, reason), "", nil, now))
		return nil
	})
}

// Get returns a case by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Case, error) {
	return m.store.GetCase(ctx, id)
}

// GetByNumber returns a case by its FC- number.
func (m *Manager) GetByNumber(ctx context.Context, number string) (*domain.Case, error) {
	return m.store.GetCaseByNumber(ctx, number)
}

// List returns cases matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	return m.store.ListCases(ctx, filter)
}

// mutate runs fn on the freshest copy of the case under its lock. Closed
// cases reject every mutation.
func (m *Manager) mutate(ctx context.Context, id, op, actor string, fn func(c *domain.Case, now time.Time) error) (*domain.Case, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CaseClosed {
		return nil, fmt.Errorf("%w: case %s is closed", domain.ErrInvalidTransition, c.CaseNumber)
	}
	if actor == "" {
		actor = SystemActor
	}

	now := m.now()
	if err := fn(c, now); err != nil {
		return nil, err
	}
	c.UpdatedAt = now

	if err := m.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}

	m.metrics.IncrementCaseTransition(op, string(c.Status))
	m.publish(ctx, topicFor(c.Status, op), c, op, actor)
	slog.Debug("case updated", "case_number", c.CaseNumber, "operation", op, "status", c.Status)
	return c, nil
}

func (m *Manager) publish(ctx context.Context, topic string, c *domain.Case, op, actor string) {
	if m.bus == nil {
		return
	}
	event := domain.CaseEvent{
		CaseID:     c.ID,
		CaseNumber: c.CaseNumber,
		Status:     c.Status,
		Operation:  op,
		By:         actor,
	}
	if err := bus.PublishEvent(ctx, m.bus, topic, event); err != nil {
		slog.Error("failed to publish case event",
			"case_number", c.CaseNumber,
			"topic", topic,
			"error", err,
		)
	}
}

func (m *Manager) entry(actor, kind, text, reference string, metadata map[string]string, at time.Time) domain.CaseEntry {
	return domain.CaseEntry{
		ID:        uuid.New().String(),
		At:        at,
		By:        actor,
		Kind:      kind,
		Text:      text,
		Reference: reference,
		Metadata:  metadata,
	}
}

func requireStatus(c *domain.Case, op string, allowed ...domain.CaseStatus) error {
	for _, s := range allowed {
		if c.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s case %s in status %s", domain.ErrInvalidTransition, op, c.CaseNumber, c.Status)
}

func topicFor(status domain.CaseStatus, op string) string {
	switch {
	case op == "resolve":
		return domain.TopicCaseResolved
	case op == "close" && status == domain.CaseClosed:
		return domain.TopicCaseClosed
	default:
		return domain.TopicCaseUpdated
	}
}

// snapshotEntityKeys maps context keys to the related entities they name.
var snapshotEntityKeys = []struct {
	key  string
	kind domain.EntityKind
}{
	{"user_id", domain.EntityUser},
	{"account_id", domain.EntityAccount},
	{"counterparty_account_id", domain.EntityAccount},
	{"transaction_id", domain.EntityTransaction},
	{"agent_id", domain.EntityAgent},
}

func relatedEntities(score *domain.Score) []domain.RelatedEntity {
	var related []domain.RelatedEntity
	seen := map[domain.EntityRef]bool{score.Entity: true}
	for _, k := range snapshotEntityKeys {
		id := cast.ToString(score.EntitySnapshot[k.key])
		if id == "" {
			continue
		}
		ref := domain.EntityRef{Kind: k.kind, ID: id}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		related = append(related, domain.RelatedEntity{
			EntityRef:   ref,
			Description: fmt.Sprintf("%s from the %s snapshot of score %s", k.key, score.Entity.Kind, score.ID),
		})
	}
	return related
}

func fraudTypeFor(score *domain.Score) domain.FraudType {
	device := false
	for _, tr := range score.TriggeredRules {
		if tr.Category == domain.CategoryDevice {
			device = true
		}
	}
	switch {
	case score.Entity.Kind == domain.EntityTransaction:
		return domain.FraudTransaction
	case device:
		return domain.FraudAccountTakeover
	default:
		return domain.FraudOther
	}
}

func detectionMethodFor(score *domain.Score) domain.DetectionMethod {
	if len(score.TriggeredRules) == 0 && score.MLScore != nil {
		return domain.DetectedByML
	}
	return domain.DetectedByRule
}
