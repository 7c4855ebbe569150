package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/resi-labs-ai/resi-labs-api/apierror"
	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
)

func assignmentBody(epoch *zipcodes.Epoch, rows []zipcodes.Assignment) assignmentResponse {
	entries := make([]assignmentEntry, 0, len(rows))
	expected := 0
	for _, a := range rows {
		entries = append(entries, assignmentEntry{
			Zipcode:          a.Zipcode,
			ExpectedListings: a.ExpectedListings,
			State:            a.State,
			City:             a.City,
			County:           a.County,
			MarketTier:       string(a.MarketTier),
			LastAssigned:     a.LastAssigned,
		})
		if !a.IsHoneypot {
			expected += a.ExpectedListings
		}
	}
	return assignmentResponse{
		EpochID:          epoch.ID,
		EpochStart:       epoch.Start,
		EpochEnd:         epoch.End,
		Nonce:            epoch.Nonce,
		TargetListings:   epoch.TargetListings,
		TolerancePercent: epoch.TolerancePercent,
		Zipcodes:         entries,
		Metadata: assignmentMetadata{
			TotalZipcodes:         len(entries),
			TotalExpectedListings: expected,
			AlgorithmVersion:      epoch.AlgorithmVersion,
			Status:                string(epoch.Status),
		},
	}
}

// handleCurrentAssignment serves a miner the active epoch's zipcodes.
// Auth fields travel in headers for this GET surface.
func (s *Server) handleCurrentAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	var fields authFields
	if err := decodeAuth(r, nil, &fields); err != nil {
		writeError(w, err)
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&fields, auth.PurposeCurrentAssignment, ""))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.Allow(ctx, ratelimit.MinerReadScope(authCtx.Hotkey), s.cfg.Broker.DailyAssignmentReads)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	epoch, rows, err := s.cfg.Epochs.Current(ctx)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "assignment store unavailable"))
		return
	}
	if epoch == nil {
		writeError(w, apierror.New(apierror.NoActiveEpoch, "no active epoch, retry at the next boundary"))
		return
	}
	writeJSON(w, http.StatusOK, assignmentBody(epoch, rows))
}

// handleHistoricalAssignment serves a validator a past epoch by id.
func (s *Server) handleHistoricalAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()
	epochID := mux.Vars(r)["id"]

	var fields authFields
	if err := decodeAuth(r, nil, &fields); err != nil {
		writeError(w, err)
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&fields, auth.PurposeHistoricalAssignment, epochID))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.Allow(ctx, ratelimit.ValidatorReadScope(authCtx.Hotkey), s.cfg.Broker.DailyAssignmentReads)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	epoch, rows, err := s.cfg.Epochs.Historical(ctx, epochID)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "assignment store unavailable"))
		return
	}
	if epoch == nil {
		writeError(w, apierror.New(apierror.EpochNotFound, "epoch not found"))
		return
	}
	writeJSON(w, http.StatusOK, assignmentBody(epoch, rows))
}

// handleAssignmentStats reports scheduler and master-table aggregates.
func (s *Server) handleAssignmentStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	sched, err := s.cfg.Epochs.Stats(ctx)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "assignment store unavailable"))
		return
	}
	zips, err := s.cfg.Store.ZipcodeStats(ctx)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "assignment store unavailable"))
		return
	}

	recent := make([]map[string]interface{}, 0, len(sched.Recent))
	for _, e := range sched.Recent {
		recent = append(recent, map[string]interface{}{
			"epoch_id": e.ID,
			"status":   string(e.Status),
			"start":    e.Start,
			"end":      e.End,
			"degraded": e.Degraded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_epoch_id":   sched.CurrentEpochID,
		"next_epoch_start":   sched.NextEpochStart,
		"seconds_until_next": sched.SecondsUntilNext,
		"recent_epochs":      recent,
		"zipcodes":           zips,
	})
}
