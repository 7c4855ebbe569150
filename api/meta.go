package api

import (
	"net/http"
	"time"
)

// handleHealthcheck probes each dependency with a short deadline and
// reports the composed status. A degraded dependency does not fail the
// endpoint; orchestrators read the flags.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	s3OK := s.cfg.Minter.Status(ctx) == nil
	stsOK := s.cfg.Uploader.Status(ctx) == nil
	cacheOK := s.cfg.Limiter.Status(ctx) == nil
	dbOK := s.cfg.Store.Ping(ctx) == nil
	chainOK := s.cfg.Chain.Status() == nil

	view := chainViewStatus{NetUID: s.cfg.Broker.NetUID}
	if snap := s.cfg.Chain.Snapshot(); snap != nil {
		view.HotkeysCount = snap.Count()
		view.LastSync = snap.SyncedAt()
	}

	stats := map[string]interface{}{
		"uptime_seconds":  int64(s.now().Sub(s.started).Seconds()),
		"requests_served": s.served.Load(),
		"request_errors":  s.errored.Load(),
	}
	if sched, err := s.cfg.Epochs.Stats(ctx); err == nil {
		stats["current_epoch_id"] = sched.CurrentEpochID
		stats["next_epoch_start"] = sched.NextEpochStart
	}

	status := "healthy"
	if !s3OK || !stsOK || !cacheOK || !dbOK || !chainOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Bucket:    s.cfg.Minter.Bucket(),
		Region:    s.cfg.Minter.Region(),
		S3OK:      s3OK,
		StsOK:     stsOK,
		CacheOK:   cacheOK,
		DBOK:      dbOK,
		ChainView: view,
		Stats:     stats,
	})
}

// handleRateLimits reports the configured quotas and today's global usage.
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	lcfg := s.cfg.Limiter.Config()
	var used int64
	if lcfg.Enabled {
		if n, err := s.cfg.Limiter.GlobalUsage(ctx); err == nil {
			used = n
		}
	}
	now := s.now().UTC()
	y, m, d := now.Date()
	writeJSON(w, http.StatusOK, rateLimitsResponse{
		Enabled:           lcfg.Enabled,
		PerMinerDaily:     lcfg.PerMinerDaily,
		PerValidatorDaily: lcfg.PerValidatorDaily,
		AssignmentReads:   s.cfg.Broker.DailyAssignmentReads,
		GlobalDaily:       lcfg.GlobalDaily,
		GlobalUsedToday:   used,
		ResetAt:           time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour),
	})
}

// handleCommitmentFormats documents the exact strings peers must sign.
func (s *Server) handleCommitmentFormats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"description":  "Sign the commitment with your hotkey and hex-encode the 64-byte signature. Timestamps are unix seconds and must be within the skew window.",
		"skew_seconds": int(s.cfg.Broker.TimestampSkew.Seconds()),
		"formats": map[string]string{
			"miner_folder_access":   "s3:data:access:{coldkey}:{hotkey}:{timestamp}",
			"validator_access":      "s3:validator:access:{timestamp}",
			"validator_upload":      "s3:validator:upload:{timestamp}",
			"current_assignment":    "zipcode:assignment:current:{timestamp}",
			"historical_assignment": "zipcode:validation:{epoch_id}:{timestamp}",
		},
	})
}

// handleStructureInfo documents the bucket keyspace layout.
func (s *Server) handleStructureInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bucket": s.cfg.Minter.Bucket(),
		"region": s.cfg.Minter.Region(),
		"layout": map[string]string{
			"miner_data":        "data/hotkey={hotkey}/job_id={job_id}/",
			"validator_results": "validators/{validator_hotkey}/epoch={epoch_id}/",
		},
		"upload_limits": map[string]int64{
			"min_bytes": s.cfg.Broker.MinUploadBytes,
			"max_bytes": s.cfg.Broker.MaxUploadBytes,
		},
	})
}
