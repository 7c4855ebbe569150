package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/resi-labs-ai/resi-labs-api/apierror"
	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "broker",
	Name:      "http_requests_total",
	Help:      "HTTP requests by path and status.",
}, []string{"path", "code"})

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.code)).Inc()
		s.served.Add(1)
		if rec.code >= http.StatusInternalServerError {
			s.errored.Add(1)
		}
	})
}

// publicLimited guards unauthenticated endpoints with a coarse per-IP
// daily quota.
func (s *Server) publicLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.cfg.Limiter.Allow(r.Context(), ratelimit.IPScope(clientIP(r)), s.cfg.Broker.DailyLimitPerIP)
		if err != nil {
			// Public endpoints stay readable when the counter store is
			// down; the authenticated surface still fails closed.
			next(w, r)
			return
		}
		if !res.OK {
			writeRateExceeded(w, res)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Response encoding failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.From(err)
	writeJSON(w, apiErr.HTTPStatus(), errorResponse{Detail: apiErr.Detail})
}

func writeRateExceeded(w http.ResponseWriter, res *ratelimit.Result) {
	reset := res.ResetAt
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Detail:  "daily request limit reached",
		ResetAt: &reset,
	})
}

// decodeAuth reads authentication fields from the JSON body and lets
// header form override: Authorization: Bearer <signature>, X-Hotkey,
// X-Coldkey, X-Timestamp. GET endpoints carry headers only.
func decodeAuth(r *http.Request, body interface{}, fields *authFields) error {
	if body != nil && r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(body); err != nil {
			return apierror.New(apierror.AuthMalformed, "malformed request body")
		}
	}
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		fields.Signature = strings.TrimPrefix(bearer, "Bearer ")
	}
	if hk := r.Header.Get("X-Hotkey"); hk != "" {
		fields.Hotkey = hk
	}
	if ck := r.Header.Get("X-Coldkey"); ck != "" {
		fields.Coldkey = ck
	}
	if ts := r.Header.Get("X-Timestamp"); ts != "" {
		v, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return apierror.New(apierror.AuthMalformed, "malformed timestamp header")
		}
		fields.Timestamp = v
	}
	return nil
}

func authRequest(fields *authFields, purpose auth.Purpose, epochID string) *auth.Request {
	return &auth.Request{
		Purpose:   purpose,
		Hotkey:    chain.KeyID(fields.Hotkey),
		Coldkey:   chain.KeyID(fields.Coldkey),
		EpochID:   epochID,
		Timestamp: fields.Timestamp,
		Signature: fields.Signature,
	}
}
