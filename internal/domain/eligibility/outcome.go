package eligibility

import "encoding/json"

// OutcomeKind discriminates the Outcome union on the wire.
type OutcomeKind string

const (
	KindSinglePayer OutcomeKind = "single_payer"
	KindAggregated  OutcomeKind = "aggregated"
	KindNone        OutcomeKind = "none"
)

// Outcome is the canonical result of a check. Exactly one of
// SinglePayerOutcome, AggregatedOutcome or NoOutcome is produced per payload.
type Outcome interface {
	Kind() OutcomeKind
	isOutcome()
}

// SinglePayerOutcome is the verdict of one payer portal. IsEligible is nil
// when the payer did not say either way.
type SinglePayerOutcome struct {
	PayerID        string         `json:"payer_id,omitempty"`
	Data           map[string]any `json:"data"`
	IsEligible     *bool          `json:"is_eligible"`
	MemberID       string         `json:"member_id,omitempty"`
	Network        string         `json:"network,omitempty"`
	Copay          []any          `json:"copay,omitempty"`
	SpecialRemarks []string       `json:"special_remarks,omitempty"`
}

// PayerAttempt is one payer's entry in a search-all sweep.
type PayerAttempt struct {
	PayerName     string         `json:"payer_name"`
	PayerID       string         `json:"payer_id,omitempty"`
	AttemptStatus string         `json:"attempt_status"`
	Data          map[string]any `json:"data,omitempty"`
}

// AggregatedOutcome is a search-all sweep. Representative is the first
// eligible entry, or the first entry carrying data when none is eligible.
type AggregatedOutcome struct {
	PerPayerResults []PayerAttempt      `json:"per_payer_results"`
	HasAnyEligible  bool                `json:"has_any_eligible"`
	Representative  *SinglePayerOutcome `json:"representative,omitempty"`
}

// NoOutcome means a payload was absent or unusable.
type NoOutcome struct{}

func (SinglePayerOutcome) Kind() OutcomeKind { return KindSinglePayer }
func (AggregatedOutcome) Kind() OutcomeKind  { return KindAggregated }
func (NoOutcome) Kind() OutcomeKind          { return KindNone }

func (SinglePayerOutcome) isOutcome() {}
func (AggregatedOutcome) isOutcome()  {}
func (NoOutcome) isOutcome()          {}

func (o SinglePayerOutcome) MarshalJSON() ([]byte, error) {
	type plain SinglePayerOutcome
	return json.Marshal(struct {
		Kind OutcomeKind `json:"kind"`
		plain
	}{KindSinglePayer, plain(o)})
}

func (o AggregatedOutcome) MarshalJSON() ([]byte, error) {
	type plain AggregatedOutcome
	return json.Marshal(struct {
		Kind OutcomeKind `json:"kind"`
		plain
	}{KindAggregated, plain(o)})
}

func (NoOutcome) MarshalJSON() ([]byte, error) {
	return []byte(`{"kind":"none"}`), nil
}
