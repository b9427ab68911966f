package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Category groups rules by the signal they look at.
type Category string

const (
	CategoryVelocity  Category = "velocity"
	CategoryPattern   Category = "pattern"
	CategoryAmount    Category = "amount"
	CategoryGeography Category = "geography"
	CategoryDevice    Category = "device"
	CategoryBehavior  Category = "behavior"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryVelocity, CategoryPattern, CategoryAmount,
	CategoryGeography, CategoryDevice, CategoryBehavior,
}

// Prefix returns the code prefix used for rules of this category.
func (c Category) Prefix() string {
	switch c {
	case CategoryVelocity:
		return "VEL"
	case CategoryPattern:
		return "PAT"
	case CategoryAmount:
		return "AMT"
	case CategoryGeography:
		return "GEO"
	case CategoryDevice:
		return "DEV"
	case CategoryBehavior:
		return "BEH"
	}
	return ""
}

// Severity drives the contribution multiplier of a triggered rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Action is what the host should do when a rule fires.
type Action string

const (
	ActionBlock     Action = "block"
	ActionFlag      Action = "flag"
	ActionReview    Action = "review"
	ActionNotify    Action = "notify"
	ActionChallenge Action = "challenge"
)

// Operator names a condition comparison.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpBetween        Operator = "between"
	OpRegex          Operator = "regex"
)

// Condition is one {field, operator, value} test against the context.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Rule is a named, versioned policy unit.
type Rule struct {
	Code        string   `json:"code" yaml:"code"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Version     int      `json:"version" yaml:"version"`
	Category    Category `json:"category" yaml:"category"`
	Severity    Severity `json:"severity" yaml:"severity"`
	IsActive    bool     `json:"isActive" yaml:"active"`
	IsBlocking  bool     `json:"isBlocking" yaml:"blocking"`

	Conditions     []Condition        `json:"conditions" yaml:"conditions"`
	Thresholds     map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds"`
	TimeWindow     string             `json:"timeWindow,omitempty" yaml:"time_window"`
	MinOccurrences int                `json:"minOccurrences,omitempty" yaml:"min_occurrences"`

	// Expression is an optional CEL guard AND-ed with Conditions.
	Expression string `json:"expression,omitempty" yaml:"expression"`

	BaseScore            int      `json:"baseScore" yaml:"base_score"`
	Weight               float64  `json:"weight" yaml:"weight"`
	Actions              []Action `json:"actions,omitempty" yaml:"actions"`
	NotificationChannels []string `json:"notificationChannels,omitempty" yaml:"notification_channels"`

	ML MLConfig `json:"ml" yaml:"ml"`

	Tags          []string     `json:"tags,omitempty" yaml:"tags"`
	TuningHistory []TuningNote `json:"tuningHistory,omitempty" yaml:"-"`

	Stats RuleStats `json:"stats" yaml:"-"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// MLConfig holds the optional ML augmentation settings of a rule.
type MLConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	ModelID             string   `json:"modelId,omitempty" yaml:"model_id"`
	Features            []string `json:"features,omitempty" yaml:"features"`
	ConfidenceThreshold float64  `json:"confidenceThreshold,omitempty" yaml:"confidence_threshold"`
}

// TuningNote records a manual change to a rule's logic or scoring.
type TuningNote struct {
	At              time.Time `json:"at"`
	By              string    `json:"by"`
	Note            string    `json:"note"`
	Version         int       `json:"version"`
	PrecisionBefore *float64  `json:"precisionBefore,omitempty"`
}

// RuleStats are the lifetime counters of a rule.
type RuleStats struct {
	TriggersCount   int64      `json:"triggersCount"`
	TruePositives   int64      `json:"truePositives"`
	FalsePositives  int64      `json:"falsePositives"`
	PrecisionRate   *float64   `json:"precisionRate,omitempty"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

// Precision returns round(tp/(tp+fp)*100, 2), or nil when nothing is confirmed.
func Precision(tp, fp int64) *float64 {
	total := tp + fp
	if total <= 0 {
		return nil
	}
	p := math.Round(float64(tp)/float64(total)*10000) / 100
	return &p
}

// Effectiveness is a human label derived from precision.
type Effectiveness string

const (
	EffectivenessHigh     Effectiveness = "highly_effective"
	EffectivenessGood     Effectiveness = "effective"
	EffectivenessModerate Effectiveness = "moderately_effective"
	EffectivenessTuning   Effectiveness = "needs_tuning"
	EffectivenessUnrated  Effectiveness = "unrated"
)

// Effectiveness classifies the rule by its precision rate.
func (s RuleStats) Effectiveness() Effectiveness {
	if s.PrecisionRate == nil {
		return EffectivenessUnrated
	}
	switch p := *s.PrecisionRate; {
	case p >= 80:
		return EffectivenessHigh
	case p >= 60:
		return EffectivenessGood
	case p >= 40:
		return EffectivenessModerate
	default:
		return EffectivenessTuning
	}
}

// IsVelocity reports whether the rule needs an external occurrence count.
func (r *Rule) IsVelocity() bool {
	return r.TimeWindow != "" && r.MinOccurrences > 0
}

// OccurrenceKey is the context key that must carry the occurrence count
// for the rule's window, e.g. "velocity_24h".
func (r *Rule) OccurrenceKey() string {
	return OccurrenceKey(r.TimeWindow)
}

// OccurrenceKey returns the context key for a window such as "24h".
func OccurrenceKey(window string) string {
	return "velocity_" + window
}

// Fields returns the distinct context fields referenced by the conditions.
func (r *Rule) Fields() []string {
	seen := make(map[string]struct{}, len(r.Conditions))
	fields := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if _, ok := seen[c.Field]; ok || c.Field == "" {
			continue
		}
		seen[c.Field] = struct{}{}
		fields = append(fields, c.Field)
	}
	return fields
}

var codePattern = regexp.MustCompile(`^[A-Z]{3}-[0-9]{3,}$`)

var windowPattern = regexp.MustCompile(`^[0-9]+[smhdw]$`)

// Validate checks the static shape of a rule. CEL compilation is checked by the engine.
func (r *Rule) Validate() error {
	if !codePattern.MatchString(r.Code) {
		return fmt.Errorf("%w: rule code %q must look like VEL-001", ErrInvalidInput, r.Code)
	}
	if prefix := r.Category.Prefix(); prefix == "" {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, r.Category)
	} else if !strings.HasPrefix(r.Code, prefix+"-") {
		return fmt.Errorf("%w: rule code %q must start with %s-", ErrInvalidInput, r.Code, prefix)
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, r.Severity)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidInput)
	}
	if r.BaseScore < 0 || r.BaseScore > 100 {
		return fmt.Errorf("%w: base score must be within 0-100", ErrInvalidInput)
	}
	if r.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", ErrInvalidInput)
	}
	if r.TimeWindow != "" && !windowPattern.MatchString(r.TimeWindow) {
		return fmt.Errorf("%w: time window %q must look like 24h", ErrInvalidInput, r.TimeWindow)
	}
	if r.MinOccurrences < 0 {
		return fmt.Errorf("%w: min occurrences must not be negative", ErrInvalidInput)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: condition %d has no field", ErrInvalidInput, i)
		}
		if c.Operator == "" {
			return fmt.Errorf("%w: condition %d has no operator", ErrInvalidInput, i)
		}
	}
	for _, a := range r.Actions {
		switch a {
		case ActionBlock, ActionFlag, ActionReview, ActionNotify, ActionChallenge:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, a)
		}
	}
	return nil
}

// ApplyDefaults fills zero values that have a documented default.
func (r *Rule) ApplyDefaults() {
	if r.Weight == 0 {
		r.Weight = 1.0
	}
	if r.Version == 0 {
		r.Version = 1
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = append([]Action(nil), r.Actions...)
	c.NotificationChannels = append([]string(nil), r.NotificationChannels...)
	c.Tags = append([]string(nil), r.Tags...)
	c.TuningHistory = append([]TuningNote(nil), r.TuningHistory...)
	c.ML.Features = append([]string(nil), r.ML.Features...)
	if r.Thresholds != nil {
		c.Thresholds = make(map[string]float64, len(r.Thresholds))
		for k, v := range r.Thresholds {
			c.Thresholds[k] = v
		}
	}
	return &c
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Category Category
	Severity Severity
	Active   *bool
	Blocking *bool
	Search   string
}
