package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinicware/eligibility/internal/platform/payerportal"
)

// PortalClient is the subset of the payer portal client the core uses.
type PortalClient interface {
	Submit(ctx context.Context, req payerportal.SubmitRequest) (*payerportal.SubmitResponse, error)
	TaskStatus(ctx context.Context, taskID string) (*payerportal.TaskStatus, error)
	EnrichedResult(ctx context.Context, taskID string) (json.RawMessage, error)
}

// PortalSource adapts the payer portal to a StatusSource.
type PortalSource struct {
	Client PortalClient
}

func (s PortalSource) TaskStatus(ctx context.Context, taskID string) (Snapshot, error) {
	st, err := s.Client.TaskStatus(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFromStatus(st)
}

// SnapshotFromStatus converts a status response into a Snapshot. The
// search-all flag and aggregated results are folded into the raw result in
// the shape Normalize reads. An unknown status is reported as an error so the
// poll is retried instead of recorded.
func SnapshotFromStatus(st *payerportal.TaskStatus) (Snapshot, error) {
	status := LifecycleStatus(st.Status)
	if !status.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidStatus, st.Status)
	}
	snap := Snapshot{Status: status}

	result, err := foldResult(st)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Result = result
	if st.Error != "" {
		e := st.Error
		snap.Error = &e
	}
	hasDocuments := len(st.Documents) > 0 && string(st.Documents) != "null"
	if st.Screenshot != "" || hasDocuments {
		snap.Interim = &InterimResults{Screenshot: st.Screenshot}
		if hasDocuments {
			snap.Interim.Documents = st.Documents
		}
	}
	return snap, nil
}

func foldResult(st *payerportal.TaskStatus) (json.RawMessage, error) {
	hasResult := len(st.Result) > 0 && string(st.Result) != "null"
	hasAggregated := len(st.AggregatedResults) > 0 && string(st.AggregatedResults) != "null"
	if !st.IsSearchAll && !hasAggregated {
		if !hasResult {
			return nil, nil
		}
		return st.Result, nil
	}

	fields := map[string]json.RawMessage{}
	if hasResult {
		if err := json.Unmarshal(st.Result, &fields); err != nil {
			// a non-object result cannot carry the search-all fields
			return st.Result, nil
		}
	}
	if st.IsSearchAll {
		fields["is_search_all"] = json.RawMessage("true")
	}
	if hasAggregated {
		fields["aggregated_results"] = st.AggregatedResults
	}
	return json.Marshal(fields)
}

// ResultCache stores enriched payloads.
type ResultCache interface {
	Get(ctx context.Context, clinicID, taskID string) (json.RawMessage, bool, error)
	Set(ctx context.Context, clinicID, taskID string, raw json.RawMessage) error
}

// CachedEnricher serves enrichment from the cache and falls back to the
// portal's v3 endpoint. Cache may be nil.
type CachedEnricher struct {
	Cache  ResultCache
	Client PortalClient
	Logger zerolog.Logger
}

func (e CachedEnricher) Enrich(ctx context.Context, clinicID, taskID string) (json.RawMessage, error) {
	log := e.Logger.With().Str("clinic_id", clinicID).Str("task_id", taskID).Logger()
	if e.Cache != nil {
		raw, ok, err := e.Cache.Get(ctx, clinicID, taskID)
		if err != nil {
			log.Warn().Err(err).Msg("result cache read failed")
		} else if ok {
			return raw, nil
		}
	}

	raw, err := e.Client.EnrichedResult(ctx, taskID)
	if errors.Is(err, payerportal.ErrResultNotReady) {
		log.Debug().Msg("enriched result not available")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.Cache != nil && len(raw) > 0 {
		if err := e.Cache.Set(ctx, clinicID, taskID, raw); err != nil {
			log.Warn().Err(err).Msg("result cache write failed")
		}
	}
	return raw, nil
}
