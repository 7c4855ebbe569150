package api

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/resi-labs-ai/resi-labs-api/apierror"
	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
	"github.com/resi-labs-ai/resi-labs-api/s3access"
)

// handleFolderAccess issues a miner its upload policy and list URL, both
// confined to data/hotkey={hotkey}/.
func (s *Server) handleFolderAccess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	var req folderAccessRequest
	if err := decodeAuth(r, &req, &req.authFields); err != nil {
		writeError(w, err)
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&req.authFields, auth.PurposeMinerAccess, ""))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.AllowEntity(ctx, ratelimit.MinerScope(authCtx.Hotkey), s.cfg.Broker.DailyLimitPerMiner)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	prefix := s3access.MinerDataPrefix(authCtx.Hotkey)
	ttl := s.cfg.Broker.MaxCredentialTTL
	policy, err := s.cfg.Minter.MintUploadPolicy(ctx, prefix, ttl)
	if err != nil {
		writeError(w, storeErr(err))
		return
	}
	listURL, err := s.cfg.Minter.MintListURL(ctx, s3access.ListScope{Prefix: prefix}, ttl)
	if err != nil {
		writeError(w, storeErr(err))
		return
	}

	writeJSON(w, http.StatusOK, folderAccessResponse{
		Folder:  prefix,
		URL:     policy.URL,
		Fields:  policy.Fields,
		Expiry:  policy.Expiry,
		ListURL: listURL,
	})
}

// handleValidatorAccess issues a validator the global list URL plus one
// list URL per registered miner folder.
func (s *Server) handleValidatorAccess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	var req validatorAccessRequest
	if err := decodeAuth(r, &req, &req.authFields); err != nil {
		writeError(w, err)
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&req.authFields, auth.PurposeValidatorAccess, ""))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.AllowEntity(ctx, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.Broker.DailyLimitPerValidator)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	ttl := s.cfg.Broker.MaxCredentialTTL
	globalURL, err := s.cfg.Minter.MintListURL(ctx, s3access.ListScope{Prefix: s3access.GlobalDataPrefix, Delimiter: true}, ttl)
	if err != nil {
		writeError(w, storeErr(err))
		return
	}

	miners := make(map[string]prefixGrant)
	if snap := s.cfg.Chain.Snapshot(); snap != nil {
		for _, hk := range snap.Hotkeys() {
			prefix := s3access.MinerDataPrefix(hk)
			u, err := s.cfg.Minter.MintListURL(ctx, s3access.ListScope{Prefix: prefix}, ttl)
			if err != nil {
				writeError(w, storeErr(err))
				return
			}
			miners[string(hk)] = prefixGrant{ListURL: u, Prefix: prefix}
		}
	}

	writeJSON(w, http.StatusOK, validatorAccessResponse{
		Bucket:          s.cfg.Minter.Bucket(),
		Region:          s.cfg.Minter.Region(),
		ValidatorHotkey: string(authCtx.Hotkey),
		Expiry:          s.now().Add(ttl),
		URLs: validatorAccessGrants{
			Global: prefixGrant{ListURL: globalURL, Prefix: s3access.GlobalDataPrefix},
			Miners: miners,
		},
	})
}

// handleMinerSpecificAccess issues a validator a list URL for one miner's
// folder.
func (s *Server) handleMinerSpecificAccess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	var req minerSpecificRequest
	if err := decodeAuth(r, &req, &req.authFields); err != nil {
		writeError(w, err)
		return
	}
	if req.MinerHotkey == "" {
		writeError(w, apierror.New(apierror.AuthMalformed, "miner_hotkey is required"))
		return
	}
	if _, err := chain.KeyID(req.MinerHotkey).Bytes(); err != nil {
		writeError(w, apierror.New(apierror.AuthMalformed, "malformed miner_hotkey"))
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&req.authFields, auth.PurposeValidatorAccess, ""))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.AllowEntity(ctx, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.Broker.DailyLimitPerValidator)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	ttl := s.cfg.Broker.MaxCredentialTTL
	prefix := s3access.MinerDataPrefix(chain.KeyID(req.MinerHotkey))
	u, err := s.cfg.Minter.MintListURL(ctx, s3access.ListScope{Prefix: prefix}, ttl)
	if err != nil {
		writeError(w, storeErr(err))
		return
	}

	writeJSON(w, http.StatusOK, minerSpecificResponse{
		Bucket:      s.cfg.Minter.Bucket(),
		Region:      s.cfg.Minter.Region(),
		MinerHotkey: req.MinerHotkey,
		MinerURL:    u,
		Prefix:      prefix,
		Expiry:      s.now().Add(ttl),
	})
}

// handleValidatorUpload issues STS credentials scoped to the validator's
// result prefix for a finished epoch.
func (s *Server) handleValidatorUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.deadline(r)
	defer cancel()

	var req validatorUploadRequest
	if err := decodeAuth(r, &req, &req.authFields); err != nil {
		writeError(w, err)
		return
	}
	if req.EpochID == "" {
		writeError(w, apierror.New(apierror.AuthMalformed, "epoch_id is required"))
		return
	}
	authCtx, err := s.cfg.Auth.Authenticate(ctx, authRequest(&req.authFields, auth.PurposeValidatorUpload, ""))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Limiter.AllowEntity(ctx, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.Broker.DailyLimitPerValidator)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.DependencyUnavailable, "rate limit store unavailable"))
		return
	}
	if !res.OK {
		writeRateExceeded(w, res)
		return
	}

	creds, guidelines, err := s.cfg.Uploader.Mint(ctx, authCtx.Hotkey, req.EpochID)
	if err != nil {
		switch {
		case errors.Is(err, s3access.ErrEpochNotUploadable):
			writeError(w, apierror.New(apierror.EpochNotFound, "epoch not found or not finished"))
		default:
			writeError(w, storeErr(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, validatorUploadResponse{
		S3Credentials: s3Credentials{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
			Bucket:       creds.Bucket,
			Region:       creds.Region,
			Prefix:       creds.Prefix,
			Expiry:       creds.Expiry,
		},
		UploadGuidelines: guidelines,
	})
}

// storeErr maps minter failures onto typed kinds.
func storeErr(err error) error {
	switch {
	case errors.Is(err, s3access.ErrSaturated):
		return apierror.New(apierror.DependencyUnavailable, "object store busy, retry shortly")
	case errors.Is(err, s3access.ErrStoreUnavailable):
		return apierror.New(apierror.DependencyUnavailable, "object store unavailable")
	default:
		return apierror.Wrap(err, apierror.Internal, "credential issuance failed")
	}
}
