package eligibility

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const attemptFound = "found"

// Normalize turns a raw task-result payload into its canonical Outcome.
// It never fails: anything it cannot read becomes NoOutcome.
func Normalize(raw json.RawMessage) Outcome {
	if len(raw) == 0 {
		return NoOutcome{}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return NoOutcome{}
	}

	if searchAll, _ := payload["is_search_all"].(bool); searchAll {
		if entries, ok := payload["aggregated_results"].([]any); ok {
			return normalizeAggregated(entries)
		}
	}

	data, ok := payload["data"].(map[string]any)
	if !ok {
		return NoOutcome{}
	}
	payerID := stringField(payload, "payer_id")
	if payerID == "" {
		payerID = stringField(data, "payer_id")
	}
	return singlePayerFromData(payerID, data)
}

// NormalizeRecord prefers the enriched payload when it carries a usable
// outcome and falls back to the poll result otherwise.
func NormalizeRecord(rec *CheckRecord) Outcome {
	if rec == nil {
		return NoOutcome{}
	}
	if len(rec.EnrichedResult) > 0 {
		if o := Normalize(rec.EnrichedResult); o.Kind() != KindNone {
			return o
		}
	}
	return Normalize(rec.Result)
}

func normalizeAggregated(entries []any) Outcome {
	out := AggregatedOutcome{PerPayerResults: make([]PayerAttempt, 0, len(entries))}
	firstEligible, firstWithData := -1, -1

	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		attempt := PayerAttempt{
			PayerName:     payerName(entry),
			PayerID:       stringField(entry, "payer_id"),
			AttemptStatus: stringField(entry, "status"),
		}
		if data, ok := entry["data"].(map[string]any); ok {
			attempt.Data = data
		}
		idx := len(out.PerPayerResults)
		out.PerPayerResults = append(out.PerPayerResults, attempt)

		if attempt.Data == nil {
			continue
		}
		if firstWithData < 0 {
			firstWithData = idx
		}
		if e := eligibleFlag(attempt.Data); attempt.AttemptStatus == attemptFound && e != nil && *e {
			out.HasAnyEligible = true
			if firstEligible < 0 {
				firstEligible = idx
			}
		}
	}

	pick := firstEligible
	if pick < 0 {
		pick = firstWithData
	}
	if pick < 0 {
		return NoOutcome{}
	}
	chosen := out.PerPayerResults[pick]
	payerID := chosen.PayerID
	if payerID == "" {
		payerID = stringField(chosen.Data, "payer_id")
	}
	if payerID == "" {
		payerID = chosen.PayerName
	}
	rep := singlePayerFromData(payerID, chosen.Data)
	out.Representative = &rep
	return out
}

func singlePayerFromData(payerID string, data map[string]any) SinglePayerOutcome {
	out := SinglePayerOutcome{
		PayerID:    payerID,
		Data:       data,
		IsEligible: eligibleFlag(data),
		MemberID:   stringField(data, "member_id"),
		Network:    stringField(data, "network"),
	}
	if copay, ok := data["copay"].([]any); ok {
		out.Copay = copay
	}
	if remarks, ok := data["special_remarks"].([]any); ok {
		for _, r := range remarks {
			if s, ok := r.(string); ok {
				out.SpecialRemarks = append(out.SpecialRemarks, s)
			} else if r != nil {
				out.SpecialRemarks = append(out.SpecialRemarks, fmt.Sprint(r))
			}
		}
	}
	return out
}

// eligibleFlag reads is_eligible as a tri-state; only a JSON boolean counts.
func eligibleFlag(data map[string]any) *bool {
	v, ok := data["is_eligible"].(bool)
	if !ok {
		return nil
	}
	return &v
}

func payerName(entry map[string]any) string {
	for _, k := range []string{"tpa_name", "payer_name", "tpa", "payer"} {
		if s := stringField(entry, k); s != "" {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// ToRaw renders an Outcome back into the payload shape Normalize reads, so
// Normalize(ToRaw(o)) is structurally equal to o.
func ToRaw(o Outcome) json.RawMessage {
	var payload map[string]any
	switch v := o.(type) {
	case SinglePayerOutcome:
		payload = map[string]any{"data": v.Data}
		if v.PayerID != "" {
			payload["payer_id"] = v.PayerID
		}
	case AggregatedOutcome:
		entries := make([]any, 0, len(v.PerPayerResults))
		for _, a := range v.PerPayerResults {
			entry := map[string]any{"tpa_name": a.PayerName, "status": a.AttemptStatus}
			if a.PayerID != "" {
				entry["payer_id"] = a.PayerID
			}
			if a.Data != nil {
				entry["data"] = a.Data
			}
			entries = append(entries, entry)
		}
		payload = map[string]any{"is_search_all": true, "aggregated_results": entries}
	default:
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
