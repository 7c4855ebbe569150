package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/config/params"
	"github.com/resi-labs-ai/resi-labs-api/crypto/signatures"
	"github.com/resi-labs-ai/resi-labs-api/epochs"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
	"github.com/resi-labs-ai/resi-labs-api/s3access"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes/store"
)

type fakeMinter struct {
	policyErr error
	listErr   error
}

func (f *fakeMinter) Bucket() string { return "test-bucket" }
func (f *fakeMinter) Region() string { return "us-east-2" }

func (f *fakeMinter) MintUploadPolicy(_ context.Context, prefix string, ttl time.Duration) (*s3access.UploadPolicy, error) {
	if f.policyErr != nil {
		return nil, f.policyErr
	}
	return &s3access.UploadPolicy{
		URL: "https://test-bucket.s3.us-east-2.amazonaws.com",
		Fields: map[string]string{
			"key":    prefix + "${filename}",
			"policy": "signed",
		},
		Expiry: time.Now().Add(ttl),
	}, nil
}

func (f *fakeMinter) MintListURL(_ context.Context, scope s3access.ListScope, _ time.Duration) (string, error) {
	if f.listErr != nil {
		return "", f.listErr
	}
	return "https://test-bucket.s3.us-east-2.amazonaws.com/?prefix=" + scope.Prefix, nil
}

func (f *fakeMinter) Status(context.Context) error { return nil }

type fakeUploader struct {
	err error
}

func (f *fakeUploader) Status(context.Context) error { return nil }

func (f *fakeUploader) Mint(_ context.Context, hotkey chain.KeyID, epochID string) (*s3access.SessionCredentials, *s3access.UploadGuidelines, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	prefix := s3access.ValidatorUploadPrefix(hotkey, epochID)
	return &s3access.SessionCredentials{
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiry:          time.Now().Add(4 * time.Hour),
		Bucket:          "test-bucket",
		Region:          "us-east-2",
		Prefix:          prefix,
	}, s3access.Guidelines(prefix, 1<<30), nil
}

type fakeEpochs struct {
	current     *zipcodes.Epoch
	currentRows []zipcodes.Assignment
	byID        map[string]*zipcodes.Epoch
	rowsByID    map[string][]zipcodes.Assignment
}

func (f *fakeEpochs) Current(context.Context) (*zipcodes.Epoch, []zipcodes.Assignment, error) {
	return f.current, f.currentRows, nil
}

func (f *fakeEpochs) Historical(_ context.Context, id string) (*zipcodes.Epoch, []zipcodes.Assignment, error) {
	return f.byID[id], f.rowsByID[id], nil
}

func (f *fakeEpochs) Stats(context.Context) (*epochs.SchedulerStats, error) {
	return &epochs.SchedulerStats{NextEpochStart: time.Now().Add(time.Hour)}, nil
}

type fakeChainView struct {
	snap *chain.Snapshot
}

func (f *fakeChainView) Snapshot() *chain.Snapshot { return f.snap }
func (f *fakeChainView) Status() error             { return nil }

type fakeStats struct{}

func (f *fakeStats) ZipcodeStats(context.Context) (*store.Stats, error) {
	return &store.Stats{TotalZipcodes: 3}, nil
}
func (f *fakeStats) Ping(context.Context) error { return nil }

type keypair struct {
	hotkey chain.KeyID
	priv   ed25519.PrivateKey
}

func newKeypair(t *testing.T) *keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &keypair{hotkey: chain.KeyID(hex.EncodeToString(pub)), priv: priv}
}

func (k *keypair) sign(msg string) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, []byte(msg)))
}

type testEnv struct {
	server    *Server
	miner     *keypair
	validator *keypair
	owner     *keypair
	epochs    *fakeEpochs
	uploader  *fakeUploader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	miner := newKeypair(t)
	validator := newKeypair(t)
	owner := newKeypair(t)

	metagraph := &chain.Metagraph{
		Hotkeys:         []chain.KeyID{miner.hotkey, validator.hotkey},
		ValidatorPermit: []bool{false, true},
		Stakes:          []float64{0, 5000},
	}
	snap, err := chain.NewSnapshot(metagraph, time.Now())
	require.NoError(t, err)

	verifier, err := signatures.ForScheme("ed25519")
	require.NoError(t, err)
	authenticator := auth.New(verifier, &snapshotLookup{snap}, &auth.Config{
		Skew:             5 * time.Minute,
		Ahead:            time.Minute,
		SignatureTimeout: 5 * time.Second,
	})

	cfg := params.DefaultBrokerConfig()
	cfg.Bucket = "test-bucket"
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), &ratelimit.Config{
		Enabled:           true,
		PerMinerDaily:     cfg.DailyLimitPerMiner,
		PerValidatorDaily: cfg.DailyLimitPerValidator,
		PerIPDaily:        cfg.DailyLimitPerIP,
		GlobalDaily:       cfg.TotalDailyLimit,
	})

	fe := &fakeEpochs{
		byID:     make(map[string]*zipcodes.Epoch),
		rowsByID: make(map[string][]zipcodes.Assignment),
	}
	fu := &fakeUploader{}
	server := New(context.Background(), &Config{
		Broker:   cfg,
		Auth:     authenticator,
		Limiter:  limiter,
		Minter:   &fakeMinter{},
		Uploader: fu,
		Epochs:   fe,
		Chain:    &fakeChainView{snap: snap},
		Store:    &fakeStats{},
	})
	return &testEnv{
		server:    server,
		miner:     miner,
		validator: validator,
		owner:     owner,
		epochs:    fe,
		uploader:  fu,
	}
}

type snapshotLookup struct {
	snap *chain.Snapshot
}

func (s *snapshotLookup) Lookup(_ context.Context, hotkey chain.KeyID) (chain.Info, error) {
	info, ok := s.snap.Lookup(hotkey)
	if !ok {
		return chain.Info{}, chain.ErrNotFound
	}
	return info, nil
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func minerBody(e *testEnv, ts int64) map[string]interface{} {
	commitment := fmt.Sprintf("s3:data:access:%s:%s:%d", e.owner.hotkey, e.miner.hotkey, ts)
	return map[string]interface{}{
		"coldkey":   string(e.owner.hotkey),
		"hotkey":    string(e.miner.hotkey),
		"timestamp": ts,
		"signature": e.miner.sign(commitment),
	}
}

func TestFolderAccess_MinerHappyPath(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Unix()), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp folderAccessResponse
	decodeBody(t, rec, &resp)
	wantPrefix := fmt.Sprintf("data/hotkey=%s/", e.miner.hotkey)
	assert.Equal(t, wantPrefix, resp.Folder)
	assert.Equal(t, wantPrefix+"${filename}", resp.Fields["key"])
	assert.NotEmpty(t, resp.ListURL)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.Expiry, 5*time.Second)
}

func TestFolderAccess_StaleTimestamp(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Add(-time.Hour).Unix()), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.Detail, "timestamp")
}

func TestFolderAccess_WrongKeySignature(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	commitment := fmt.Sprintf("s3:data:access:%s:%s:%d", e.owner.hotkey, e.miner.hotkey, ts)
	body := map[string]interface{}{
		"coldkey":   string(e.owner.hotkey),
		"hotkey":    string(e.miner.hotkey),
		"timestamp": ts,
		"signature": e.validator.sign(commitment),
	}
	rec := e.do(t, http.MethodPost, "/get-folder-access", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFolderAccess_RateCap(t *testing.T) {
	e := newTestEnv(t)
	limit := int(e.server.cfg.Broker.DailyLimitPerMiner)
	for i := 0; i < limit; i++ {
		rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Unix()), nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Unix()), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.ResetAt)
	assert.Equal(t, 0, resp.ResetAt.UTC().Hour())
}

func TestValidatorAccess_MinerRejected(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	body := map[string]interface{}{
		"hotkey":    string(e.miner.hotkey),
		"timestamp": ts,
		"signature": e.miner.sign(fmt.Sprintf("s3:validator:access:%d", ts)),
	}
	rec := e.do(t, http.MethodPost, "/get-validator-access", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidatorAccess_GrantsGlobalAndPerMiner(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	body := map[string]interface{}{
		"hotkey":    string(e.validator.hotkey),
		"timestamp": ts,
		"signature": e.validator.sign(fmt.Sprintf("s3:validator:access:%d", ts)),
	}
	rec := e.do(t, http.MethodPost, "/get-validator-access", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp validatorAccessResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "test-bucket", resp.Bucket)
	assert.Equal(t, "data/hotkey=", resp.URLs.Global.Prefix)
	assert.Len(t, resp.URLs.Miners, 2)
	grant, ok := resp.URLs.Miners[string(e.miner.hotkey)]
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("data/hotkey=%s/", e.miner.hotkey), grant.Prefix)
}

func TestMinerSpecificAccess(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	body := map[string]interface{}{
		"hotkey":       string(e.validator.hotkey),
		"timestamp":    ts,
		"signature":    e.validator.sign(fmt.Sprintf("s3:validator:access:%d", ts)),
		"miner_hotkey": string(e.miner.hotkey),
	}
	rec := e.do(t, http.MethodPost, "/get-miner-specific-access", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp minerSpecificResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, fmt.Sprintf("data/hotkey=%s/", e.miner.hotkey), resp.Prefix)
	assert.Contains(t, resp.MinerURL, string(e.miner.hotkey))
}

func TestValidatorUpload_HappyPath(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	body := map[string]interface{}{
		"hotkey":    string(e.validator.hotkey),
		"timestamp": ts,
		"signature": e.validator.sign(fmt.Sprintf("s3:validator:upload:%d", ts)),
		"epoch_id":  "2025-08-12-04:00",
	}
	rec := e.do(t, http.MethodPost, "/api/v1/s3-access/validator-upload", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp validatorUploadResponse
	decodeBody(t, rec, &resp)
	wantPrefix := fmt.Sprintf("validators/%s/epoch=2025-08-12-04:00/", e.validator.hotkey)
	assert.Equal(t, wantPrefix, resp.S3Credentials.Prefix)
	assert.NotEmpty(t, resp.S3Credentials.SessionToken)
}

func TestValidatorUpload_UnfinishedEpoch(t *testing.T) {
	e := newTestEnv(t)
	e.uploader.err = s3access.ErrEpochNotUploadable
	ts := time.Now().Unix()
	body := map[string]interface{}{
		"hotkey":    string(e.validator.hotkey),
		"timestamp": ts,
		"signature": e.validator.sign(fmt.Sprintf("s3:validator:upload:%d", ts)),
		"epoch_id":  "2025-08-12-04:00",
	}
	rec := e.do(t, http.MethodPost, "/api/v1/s3-access/validator-upload", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func activeEpoch(start time.Time) (*zipcodes.Epoch, []zipcodes.Assignment) {
	epoch := &zipcodes.Epoch{
		ID:               zipcodes.EpochID(start),
		Start:            start,
		End:              start.Add(4 * time.Hour),
		Nonce:            "cafebabe",
		TargetListings:   10000,
		TolerancePercent: 10,
		Status:           zipcodes.StatusActive,
		AlgorithmVersion: zipcodes.AlgorithmVersion,
	}
	rows := []zipcodes.Assignment{
		{EpochID: epoch.ID, Zipcode: "19103", ExpectedListings: 900, State: "PA", City: "Philadelphia", MarketTier: zipcodes.TierPremium},
		{EpochID: epoch.ID, Zipcode: "99901", ExpectedListings: 10, State: "PA", City: "Quiet", MarketTier: zipcodes.TierEmerging, IsHoneypot: true},
	}
	return epoch, rows
}

func currentAssignmentHeaders(k *keypair, ts int64) map[string]string {
	return map[string]string{
		"X-Hotkey":      string(k.hotkey),
		"X-Timestamp":   fmt.Sprintf("%d", ts),
		"Authorization": "Bearer " + k.sign(fmt.Sprintf("zipcode:assignment:current:%d", ts)),
	}
}

func TestCurrentAssignment_HappyPath(t *testing.T) {
	e := newTestEnv(t)
	e.epochs.current, e.epochs.currentRows = activeEpoch(time.Now().UTC().Truncate(4 * time.Hour))

	rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/current", nil,
		currentAssignmentHeaders(e.miner, time.Now().Unix()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp assignmentResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "cafebabe", resp.Nonce)
	assert.Len(t, resp.Zipcodes, 2)
	// The honeypot contributes a row but not budget, and the flag never
	// leaves the process.
	assert.Equal(t, 900, resp.Metadata.TotalExpectedListings)
	assert.NotContains(t, rec.Body.String(), "honeypot")
}

func TestCurrentAssignment_NoActiveEpoch(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/current", nil,
		currentAssignmentHeaders(e.miner, time.Now().Unix()))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, strings.ToLower(rec.Body.String()), "nonce")
}

func TestCurrentAssignment_ReadsDoNotConsumeIssuanceQuota(t *testing.T) {
	e := newTestEnv(t)
	e.epochs.current, e.epochs.currentRows = activeEpoch(time.Now().UTC().Truncate(4 * time.Hour))

	// Polling the assignment as many times as the issuance cap allows
	// draws on its own bucket, so credential requests still succeed.
	polls := int(e.server.cfg.Broker.DailyLimitPerMiner)
	for i := 0; i < polls; i++ {
		rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/current", nil,
			currentAssignmentHeaders(e.miner, time.Now().Unix()))
		require.Equal(t, http.StatusOK, rec.Code, "poll %d", i+1)
	}

	rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Unix()), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCurrentAssignment_ReadQuotaCapped(t *testing.T) {
	e := newTestEnv(t)
	e.epochs.current, e.epochs.currentRows = activeEpoch(time.Now().UTC().Truncate(4 * time.Hour))
	e.server.cfg.Broker.DailyAssignmentReads = 2

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/current", nil,
			currentAssignmentHeaders(e.miner, time.Now().Unix()))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/current", nil,
		currentAssignmentHeaders(e.miner, time.Now().Unix()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHistoricalAssignment_ValidatorOnly(t *testing.T) {
	e := newTestEnv(t)
	start := time.Date(2025, 8, 12, 4, 0, 0, 0, time.UTC)
	epoch, rows := activeEpoch(start)
	epoch.Status = zipcodes.StatusCompleted
	e.epochs.byID[epoch.ID] = epoch
	e.epochs.rowsByID[epoch.ID] = rows

	ts := time.Now().Unix()
	path := "/api/v1/zipcode-assignments/epoch/" + epoch.ID

	minerHeaders := map[string]string{
		"X-Hotkey":      string(e.miner.hotkey),
		"X-Timestamp":   fmt.Sprintf("%d", ts),
		"Authorization": "Bearer " + e.miner.sign(fmt.Sprintf("zipcode:validation:%s:%d", epoch.ID, ts)),
	}
	rec := e.do(t, http.MethodGet, path, nil, minerHeaders)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	validatorHeaders := map[string]string{
		"X-Hotkey":      string(e.validator.hotkey),
		"X-Timestamp":   fmt.Sprintf("%d", ts),
		"Authorization": "Bearer " + e.validator.sign(fmt.Sprintf("zipcode:validation:%s:%d", epoch.ID, ts)),
	}
	rec = e.do(t, http.MethodGet, path, nil, validatorHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp assignmentResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, epoch.ID, resp.EpochID)
}

func TestHistoricalAssignment_UnknownEpoch(t *testing.T) {
	e := newTestEnv(t)
	ts := time.Now().Unix()
	id := "2025-01-01-00:00"
	headers := map[string]string{
		"X-Hotkey":      string(e.validator.hotkey),
		"X-Timestamp":   fmt.Sprintf("%d", ts),
		"Authorization": "Bearer " + e.validator.sign(fmt.Sprintf("zipcode:validation:%s:%d", id, ts)),
	}
	rec := e.do(t, http.MethodGet, "/api/v1/zipcode-assignments/epoch/"+id, nil, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthcheck(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthcheck", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-bucket", resp.Bucket)
	assert.Equal(t, 2, resp.ChainView.HotkeysCount)
}

func TestRateLimits(t *testing.T) {
	e := newTestEnv(t)
	// Consume one admitted request first.
	rec := e.do(t, http.MethodPost, "/get-folder-access", minerBody(e, time.Now().Unix()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/rate-limits", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rateLimitsResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Enabled)
	assert.Equal(t, int64(1), resp.GlobalUsedToday)
	assert.Equal(t, e.server.cfg.Broker.DailyLimitPerMiner, resp.PerMinerDaily)
}

func TestCommitmentFormatsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/commitment-formats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3:data:access:{coldkey}:{hotkey}:{timestamp}")
}

func TestOpenAPIServed(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/get-folder-access")
}
