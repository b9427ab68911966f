package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// OpenCaseRequest is the body of POST /cases.
type OpenCaseRequest struct {
	Subject          EntityInput            `json:"subject" validate:"required"`
	FraudType        string                 `json:"fraudType,omitempty"`
	Priority         string                 `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	DetectionMethod  string                 `json:"detectionMethod,omitempty"`
	RelatedEntities  []domain.RelatedEntity `json:"relatedEntities,omitempty"`
	TotalAmount      float64                `json:"totalAmount" validate:"gte=0"`
	Currency         string                 `json:"currency,omitempty"`
	TransactionCount int                    `json:"transactionCount" validate:"gte=0"`
	FraudStart       *time.Time             `json:"fraudStart,omitempty"`
	FraudEnd         *time.Time             `json:"fraudEnd,omitempty"`
	Description      string                 `json:"description" validate:"required"`
	Tags             []string               `json:"tags,omitempty"`
}

// OpenCase handles POST /cases.
func (h *Handler) OpenCase(w http.ResponseWriter, r *http.Request) {
	var req OpenCaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.cases.OpenCase(r.Context(), cases.OpenRequest{
		Subject:          req.Subject.ref(),
		FraudType:        domain.FraudType(req.FraudType),
		Priority:         domain.Priority(req.Priority),
		DetectionMethod:  domain.DetectionMethod(req.DetectionMethod),
		RelatedEntities:  req.RelatedEntities,
		TotalAmount:      req.TotalAmount,
		Currency:         req.Currency,
		TransactionCount: req.TransactionCount,
		FraudStart:       req.FraudStart,
		FraudEnd:         req.FraudEnd,
		Description:      req.Description,
		Tags:             req.Tags,
	}, GetActorID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// caseFilter reads the shared list/statistics query parameters.
func caseFilter(r *http.Request) (domain.CaseFilter, error) {
	q := r.URL.Query()
	filter := domain.CaseFilter{
		Status:     domain.CaseStatus(q.Get("status")),
		Priority:   domain.Priority(q.Get("priority")),
		FraudType:  domain.FraudType(q.Get("fraudType")),
		AssignedTo: q.Get("assignedTo"),
		Search:     q.Get("search"),
	}
	if kind, id := q.Get("subjectKind"), q.Get("subjectId"); kind != "" && id != "" {
		filter.Subject = &domain.EntityRef{Kind: domain.EntityKind(kind), ID: id}
	}

	var err error
	if filter.Escalated, err = queryBool(r, "escalated"); err != nil {
		return filter, err
	}
	if filter.From, err = queryTime(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

// ListCases handles GET /cases.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	filter, err := caseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.cases.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

// CaseStatistics handles GET /cases/statistics.
func (h *Handler) CaseStatistics(w http.ResponseWriter, r *http.Request) {
	filter, err := caseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.cases.Statistics(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// caseID returns the case id named by the {id} route parameter, which may be
// the id itself or an FC- case number.
func (h *Handler) caseID(r *http.Request) (string, error) {
	ref := chi.URLParam(r, "id")
	if !strings.HasPrefix(ref, cases.CaseNumberPrefix) {
		return ref, nil
	}
	c, err := h.cases.GetByNumber(r.Context(), ref)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// GetCase handles GET /cases/{id}. Case numbers (FC-...) are accepted too.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, err := h.caseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.cases.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// caseMutation runs one case transition and writes the updated case. The
// manager always receives the case id, so number and id requests share a lock.
func (h *Handler) caseMutation(w http.ResponseWriter, r *http.Request, fn func(id, actor string) (*domain.Case, error)) {
	id, err := h.caseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := fn(id, GetActorID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AssignRequest is the body of POST /cases/{id}/assign.
type AssignRequest struct {
	Assignee string `json:"assignee" validate:"required"`
}

// AssignCase handles POST /cases/{id}/assign.
func (h *Handler) AssignCase(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.Assign(r.Context(), id, req.Assignee, actor)
	})
}

// InvestigateCase handles POST /cases/{id}/investigate.
func (h *Handler) InvestigateCase(w http.ResponseWriter, r *http.Request) {
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.StartInvestigation(r.Context(), id, actor)
	})
}

// NoteRequest is the body of POST /cases/{id}/notes.
type NoteRequest struct {
	Text string `json:"text" validate:"required"`
}

// AddCaseNote handles POST /cases/{id}/notes.
func (h *Handler) AddCaseNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.AddNote(r.Context(), id, req.Text, actor)
	})
}

// EvidenceRequest is the body of POST /cases/{id}/evidence.
type EvidenceRequest struct {
	Kind        string            `json:"kind,omitempty"`
	Description string            `json:"description" validate:"required"`
	Reference   string            `json:"reference,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AddCaseEvidence handles POST /cases/{id}/evidence.
func (h *Handler) AddCaseEvidence(w http.ResponseWriter, r *http.Request) {
	var req EvidenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.AddEvidence(r.Context(), id, cases.EvidenceRequest{
			Kind:        req.Kind,
			Description: req.Description,
			Reference:   req.Reference,
			Metadata:    req.Metadata,
		}, actor)
	})
}

// ActionRequest is the body of POST /cases/{id}/actions.
type ActionRequest struct {
	Action  string `json:"action" validate:"required"`
	Details string `json:"details,omitempty"`
}

// RecordCaseAction handles POST /cases/{id}/actions.
func (h *Handler) RecordCaseAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.RecordAction(r.Context(), id, req.Action, req.Details, actor)
	})
}

// ResolveRequest is the body of POST /cases/{id}/resolve.
type ResolveRequest struct {
	Resolution         string   `json:"resolution" validate:"required,oneof=confirmed_fraud false_positive insufficient_evidence"`
	Summary            string   `json:"summary" validate:"required"`
	AmountRecovered    float64  `json:"amountRecovered" validate:"gte=0"`
	PreventionMeasures []string `json:"preventionMeasures,omitempty"`
}

// ResolveCase handles POST /cases/{id}/resolve.
func (h *Handler) ResolveCase(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.Resolve(r.Context(), id, cases.ResolveRequest{
			Resolution:         domain.Resolution(req.Resolution),
			Summary:            req.Summary,
			AmountRecovered:    req.AmountRecovered,
			PreventionMeasures: req.PreventionMeasures,
		}, actor)
	})
}

// CloseCase handles POST /cases/{id}/close.
func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.Close(r.Context(), id, actor)
	})
}

// EscalateRequest is the body of POST /cases/{id}/escalate.
type EscalateRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// EscalateCase handles POST /cases/{id}/escalate.
func (h *Handler) EscalateCase(w http.ResponseWriter, r *http.Request) {
	var req EscalateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.Escalate(r.Context(), id, req.Reason, actor)
	})
}

// NotifyCustomer handles POST /cases/{id}/notify-customer.
func (h *Handler) NotifyCustomer(w http.ResponseWriter, r *http.Request) {
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.NotifyCustomer(r.Context(), id, actor)
	})
}

// LawEnforcementRequest is the body of POST /cases/{id}/notify-law-enforcement.
type LawEnforcementRequest struct {
	Reference string `json:"reference" validate:"required"`
}

// NotifyLawEnforcement handles POST /cases/{id}/notify-law-enforcement.
func (h *Handler) NotifyLawEnforcement(w http.ResponseWriter, r *http.Request) {
	var req LawEnforcementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.NotifyLawEnforcement(r.Context(), id, req.Reference, actor)
	})
}

// RegulatorReportRequest is the body of POST /cases/{id}/regulator-reports.
type RegulatorReportRequest struct {
	Regulator string `json:"regulator" validate:"required"`
	Reference string `json:"reference,omitempty"`
	Details   string `json:"details" validate:"required"`
}

// ReportToRegulator handles POST /cases/{id}/regulator-reports.
func (h *Handler) ReportToRegulator(w http.ResponseWriter, r *http.Request) {
	var req RegulatorReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.caseMutation(w, r, func(id, actor string) (*domain.Case, error) {
		return h.cases.ReportToRegulator(r.Context(), id, cases.RegulatorReportRequest{
			Regulator: req.Regulator,
			Reference: req.Reference,
			Details:   req.Details,
		}, actor)
	})
}
