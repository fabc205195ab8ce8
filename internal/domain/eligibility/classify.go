package eligibility

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DisplayStatus is the badge category a check is shown under.
type DisplayStatus string

const (
	DisplayEligible           DisplayStatus = "eligible"
	DisplayNotEligible        DisplayStatus = "not_eligible"
	DisplayCouldNotDetermine  DisplayStatus = "could_not_determine"
	DisplayInvalidCredentials DisplayStatus = "invalid_credentials"
	DisplayNotFound           DisplayStatus = "not_found"
	DisplayBackoff            DisplayStatus = "backoff"
	DisplayPending            DisplayStatus = "pending"
	DisplayProcessing         DisplayStatus = "processing"
	DisplayFailed             DisplayStatus = "failed"
)

var badgeLabels = map[DisplayStatus]string{
	DisplayEligible:           "Eligible",
	DisplayNotEligible:        "Not Eligible",
	DisplayCouldNotDetermine:  "Could Not Determine",
	DisplayInvalidCredentials: "Invalid Credentials",
	DisplayNotFound:           "Member Not Found",
	DisplayBackoff:            "Payer Busy, Retry Later",
	DisplayPending:            "Pending",
	DisplayProcessing:         "Processing",
	DisplayFailed:             "Failed",
}

// errorSubStatuses maps remote failure codes onto display categories.
var errorSubStatuses = map[string]DisplayStatus{
	"invalid_credentials": DisplayInvalidCredentials,
	"bad_credentials":     DisplayInvalidCredentials,
	"member_not_found":    DisplayNotFound,
	"patient_not_found":   DisplayNotFound,
	"not_found":           DisplayNotFound,
	"backoff":             DisplayBackoff,
	"rate_limited":        DisplayBackoff,
}

// genericFailures carry no information beyond "it failed".
var genericFailures = map[string]bool{
	"":        true,
	"error":   true,
	"failed":  true,
	"failure": true,
}

// Classification is a DisplayStatus plus the label to render on its badge.
// Verbatim is set when an unrecognised remote sub-status is surfaced as is.
type Classification struct {
	Status   DisplayStatus `json:"status"`
	Label    string        `json:"label"`
	Verbatim bool          `json:"verbatim,omitempty"`
}

func classification(s DisplayStatus) Classification {
	return Classification{Status: s, Label: badgeLabels[s]}
}

// Classify maps a record and its normalized outcome onto exactly one
// DisplayStatus. It is total and never panics; a nil outcome is read as
// NoOutcome.
func Classify(rec *CheckRecord, outcome Outcome) Classification {
	if rec == nil {
		return classification(DisplayPending)
	}
	if outcome == nil {
		outcome = NoOutcome{}
	}

	switch rec.Status {
	case StatusPending:
		return classification(DisplayPending)
	case StatusProcessing:
		return classification(DisplayProcessing)
	case StatusError:
		return classifyError(rec)
	case StatusComplete:
		return classifyComplete(outcome)
	default:
		return classification(DisplayFailed)
	}
}

func classifyComplete(outcome Outcome) Classification {
	switch o := outcome.(type) {
	case SinglePayerOutcome:
		switch {
		case o.IsEligible == nil:
			return classification(DisplayCouldNotDetermine)
		case *o.IsEligible:
			return classification(DisplayEligible)
		default:
			return classification(DisplayNotEligible)
		}
	case AggregatedOutcome:
		if o.HasAnyEligible {
			return classification(DisplayEligible)
		}
		return classification(DisplayCouldNotDetermine)
	default:
		return classification(DisplayCouldNotDetermine)
	}
}

func classifyError(rec *CheckRecord) Classification {
	sub := errorSubStatus(rec)
	if genericFailures[sub] {
		return classification(DisplayFailed)
	}
	if ds, ok := errorSubStatuses[sub]; ok {
		return classification(ds)
	}
	return Classification{Status: DisplayStatus(sub), Label: Humanize(sub), Verbatim: true}
}

// errorSubStatus looks for a specific failure code on the raw payload first,
// then accepts the record's error text only when it is a known code.
func errorSubStatus(rec *CheckRecord) string {
	var payload map[string]any
	if len(rec.Result) > 0 && json.Unmarshal(rec.Result, &payload) == nil {
		for _, k := range []string{"sub_status", "error_type", "status"} {
			if s := strings.TrimSpace(stringField(payload, k)); !genericFailures[strings.ToLower(s)] {
				return strings.ToLower(s)
			}
		}
	}
	if rec.Error != nil {
		code := strings.ToLower(strings.TrimSpace(*rec.Error))
		if _, ok := errorSubStatuses[code]; ok {
			return code
		}
	}
	return ""
}

// Humanize renders a snake_case code as a title-cased label. A Caser keeps
// state, so each call gets its own.
func Humanize(code string) string {
	return cases.Title(language.English).String(strings.Join(strings.Fields(strings.ReplaceAll(code, "_", " ")), " "))
}

// BadgeLabel returns the label for a known DisplayStatus, or the humanized
// code for a verbatim one.
func BadgeLabel(s DisplayStatus) string {
	if l, ok := badgeLabels[s]; ok {
		return l
	}
	return Humanize(string(s))
}
