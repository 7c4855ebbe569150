package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/apierror"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/crypto/signatures"
)

var log = logrus.WithField("prefix", "auth")

var (
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "auth_failures_total",
		Help:      "Commitment validation failures by kind.",
	}, []string{"kind"})
	authSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "auth_successes_total",
		Help:      "Commitments validated successfully.",
	})
)

// ChainLookup resolves a hotkey to its on-chain registration.
type ChainLookup interface {
	Lookup(ctx context.Context, hotkey chain.KeyID) (chain.Info, error)
}

// Config tunes the authenticator.
type Config struct {
	// Skew is how far behind now a commitment timestamp may lie.
	Skew time.Duration
	// Ahead is how far ahead of now a timestamp may lie.
	Ahead time.Duration
	// SignatureTimeout bounds the CPU-side verification.
	SignatureTimeout time.Duration
	// MinValidatorStake, when positive, is the stake floor for validator
	// endpoints.
	MinValidatorStake float64
	// CacheTTL enables a short positive-verification cache when nonzero.
	CacheTTL time.Duration
}

// Authenticator runs the fixed validation pipeline:
// parse, skew, signature, registration, role.
type Authenticator struct {
	verifier signatures.Verifier
	chain    ChainLookup
	cfg      *Config
	cache    *gocache.Cache
	now      func() time.Time
}

// New constructs an authenticator over a verifier and a chain view.
func New(verifier signatures.Verifier, chainView ChainLookup, cfg *Config) *Authenticator {
	var cache *gocache.Cache
	if cfg.CacheTTL > 0 {
		cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return &Authenticator{
		verifier: verifier,
		chain:    chainView,
		cfg:      cfg,
		cache:    cache,
		now:      time.Now,
	}
}

// Authenticate validates a request and returns the authenticated identity.
// Failures are always *apierror.Error.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*Context, error) {
	authCtx, err := a.authenticate(ctx, req)
	if err != nil {
		apiErr := apierror.From(err)
		authFailures.WithLabelValues(string(apiErr.Kind)).Inc()
		return nil, apiErr
	}
	authSuccesses.Inc()
	return authCtx, nil
}

func (a *Authenticator) authenticate(ctx context.Context, req *Request) (*Context, error) {
	// Parse.
	pub, sig, err := a.parse(req)
	if err != nil {
		return nil, err
	}

	// Skew.
	now := a.now()
	ts := time.Unix(req.Timestamp, 0)
	if now.Sub(ts) > a.cfg.Skew || ts.Sub(now) > a.cfg.Ahead {
		return nil, apierror.New(apierror.AuthSkew, "timestamp outside accepted window")
	}

	// Signature.
	commitment := req.Commitment()
	if !a.verifySigned(ctx, pub, []byte(commitment), sig) {
		log.WithFields(logrus.Fields{
			"hotkey": req.Hotkey,
			"role":   req.Purpose.Role().String(),
		}).Warn("Signature verification failed")
		return nil, apierror.New(apierror.AuthSignature, "invalid signature")
	}

	// Registration.
	info, err := a.chain.Lookup(ctx, req.Hotkey)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrNotFound):
			return nil, apierror.New(apierror.AuthUnknownKey, "hotkey not registered on subnet")
		case errors.Is(err, chain.ErrUnavailable):
			return nil, apierror.New(apierror.DependencyUnavailable, "chain view unavailable, retry later")
		default:
			return nil, apierror.Wrap(err, apierror.DependencyUnavailable, "chain lookup failed")
		}
	}

	// Role.
	if req.Purpose.Role() == RoleValidator {
		if !info.Validator {
			return nil, apierror.New(apierror.AuthNotValidator, "hotkey does not hold a validator permit")
		}
		if a.cfg.MinValidatorStake > 0 && info.Stake < a.cfg.MinValidatorStake {
			return nil, apierror.New(apierror.AuthStake, "validator stake below required floor")
		}
	}

	return &Context{
		Role:    req.Purpose.Role(),
		Hotkey:  req.Hotkey,
		Coldkey: req.Coldkey,
		Info:    info,
	}, nil
}

func (a *Authenticator) parse(req *Request) (pub, sig []byte, err error) {
	if req.Hotkey == "" {
		return nil, nil, apierror.New(apierror.AuthMalformed, "hotkey is required")
	}
	pub, err = req.Hotkey.Bytes()
	if err != nil {
		return nil, nil, apierror.New(apierror.AuthMalformed, "malformed hotkey")
	}
	if req.Purpose == PurposeMinerAccess {
		if req.Coldkey == "" {
			return nil, nil, apierror.New(apierror.AuthMalformed, "coldkey is required")
		}
		if _, err := req.Coldkey.Bytes(); err != nil {
			return nil, nil, apierror.New(apierror.AuthMalformed, "malformed coldkey")
		}
	}
	if req.Purpose == PurposeHistoricalAssignment && req.EpochID == "" {
		return nil, nil, apierror.New(apierror.AuthMalformed, "epoch id is required")
	}
	if req.Timestamp <= 0 {
		return nil, nil, apierror.New(apierror.AuthMalformed, "timestamp is required")
	}
	sig, err = hex.DecodeString(req.Signature)
	if err != nil || len(sig) != 64 {
		return nil, nil, apierror.New(apierror.AuthMalformed, "malformed signature")
	}
	return pub, sig, nil
}

// verifySigned runs the CPU-bound verification under the configured
// deadline. A deadline hit counts as failure; verification is never
// retried.
func (a *Authenticator) verifySigned(ctx context.Context, pub, msg, sig []byte) bool {
	var cacheKey string
	if a.cache != nil {
		sum := sha256.Sum256(append(append(append([]byte{}, pub...), msg...), sig...))
		cacheKey = hex.EncodeToString(sum[:])
		if _, ok := a.cache.Get(cacheKey); ok {
			return true
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SignatureTimeout)
	defer cancel()
	done := make(chan bool, 1)
	go func() {
		done <- a.verifier.Verify(pub, msg, sig)
	}()
	select {
	case ok := <-done:
		if ok && a.cache != nil {
			a.cache.SetDefault(cacheKey, struct{}{})
		}
		return ok
	case <-ctx.Done():
		log.Warn("Signature verification deadline exceeded")
		return false
	}
}
