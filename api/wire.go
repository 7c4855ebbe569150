package api

import "time"

// authFields are the authentication fields accepted in request bodies.
// The same fields may instead travel in headers: Authorization: Bearer
// <signature>, X-Hotkey, X-Coldkey, X-Timestamp.
type authFields struct {
	Coldkey   string `json:"coldkey,omitempty"`
	Hotkey    string `json:"hotkey"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type folderAccessRequest struct {
	authFields
}

type folderAccessResponse struct {
	Folder  string            `json:"folder"`
	URL     string            `json:"url"`
	Fields  map[string]string `json:"fields"`
	Expiry  time.Time         `json:"expiry"`
	ListURL string            `json:"list_url"`
}

type validatorAccessRequest struct {
	authFields
}

type prefixGrant struct {
	ListURL string `json:"list_url"`
	Prefix  string `json:"prefix"`
}

type validatorAccessResponse struct {
	Bucket          string                `json:"bucket"`
	Region          string                `json:"region"`
	ValidatorHotkey string                `json:"validator_hotkey"`
	Expiry          time.Time             `json:"expiry"`
	URLs            validatorAccessGrants `json:"urls"`
}

type validatorAccessGrants struct {
	Global prefixGrant            `json:"global"`
	Miners map[string]prefixGrant `json:"miners"`
}

type minerSpecificRequest struct {
	authFields
	MinerHotkey string `json:"miner_hotkey"`
}

type minerSpecificResponse struct {
	Bucket      string    `json:"bucket"`
	Region      string    `json:"region"`
	MinerHotkey string    `json:"miner_hotkey"`
	MinerURL    string    `json:"miner_url"`
	Prefix      string    `json:"prefix"`
	Expiry      time.Time `json:"expiry"`
}

type validatorUploadRequest struct {
	authFields
	EpochID string `json:"epoch_id"`
}

type s3Credentials struct {
	AccessKey    string    `json:"access_key"`
	SecretKey    string    `json:"secret_key"`
	SessionToken string    `json:"session_token"`
	Bucket       string    `json:"bucket"`
	Region       string    `json:"region"`
	Prefix       string    `json:"prefix"`
	Expiry       time.Time `json:"expiry"`
}

type validatorUploadResponse struct {
	S3Credentials    s3Credentials `json:"s3_credentials"`
	UploadGuidelines interface{}   `json:"upload_guidelines"`
}

// assignmentEntry is a published zipcode row. Honeypots appear here like
// any other row; the flag itself stays internal.
type assignmentEntry struct {
	Zipcode          string     `json:"zipcode"`
	ExpectedListings int        `json:"expected_listings"`
	State            string     `json:"state"`
	City             string     `json:"city"`
	County           string     `json:"county,omitempty"`
	MarketTier       string     `json:"market_tier"`
	LastAssigned     *time.Time `json:"last_assigned"`
}

type assignmentMetadata struct {
	TotalZipcodes         int    `json:"total_zipcodes"`
	TotalExpectedListings int    `json:"total_expected_listings"`
	AlgorithmVersion      string `json:"algorithm_version"`
	Status                string `json:"status"`
}

type assignmentResponse struct {
	EpochID          string             `json:"epoch_id"`
	EpochStart       time.Time          `json:"epoch_start"`
	EpochEnd         time.Time          `json:"epoch_end"`
	Nonce            string             `json:"nonce"`
	TargetListings   int                `json:"target_listings"`
	TolerancePercent int                `json:"tolerance_percent"`
	Zipcodes         []assignmentEntry  `json:"zipcodes"`
	Metadata         assignmentMetadata `json:"metadata"`
}

type chainViewStatus struct {
	NetUID       int       `json:"netuid"`
	HotkeysCount int       `json:"hotkeys_count"`
	LastSync     time.Time `json:"last_sync"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Bucket    string                 `json:"bucket"`
	Region    string                 `json:"region"`
	S3OK      bool                   `json:"s3_ok"`
	StsOK     bool                   `json:"sts_ok"`
	CacheOK   bool                   `json:"cache_ok"`
	DBOK      bool                   `json:"db_ok"`
	ChainView chainViewStatus        `json:"chain_view"`
	Stats     map[string]interface{} `json:"stats"`
}

type rateLimitsResponse struct {
	Enabled           bool      `json:"enabled"`
	PerMinerDaily     int64     `json:"daily_limit_per_miner"`
	PerValidatorDaily int64     `json:"daily_limit_per_validator"`
	AssignmentReads   int64     `json:"daily_assignment_reads"`
	GlobalDaily       int64     `json:"total_daily_limit"`
	GlobalUsedToday   int64     `json:"global_used_today"`
	ResetAt           time.Time `json:"reset_at"`
}

type errorResponse struct {
	Detail  string     `json:"detail"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}
