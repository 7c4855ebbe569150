// Package params defines the broker's runtime configuration and the process
// wide accessor used by all services.
package params

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SignatureScheme selects the curve used for commitment verification.
type SignatureScheme string

const (
	// Sr25519 is the default scheme of substrate based chains.
	Sr25519 SignatureScheme = "sr25519"
	// Ed25519 verification via the standard library.
	Ed25519 SignatureScheme = "ed25519"
)

// BrokerConfig holds every tunable of the access broker. It is assembled
// once at startup and treated as immutable afterwards.
type BrokerConfig struct {
	// Chain.
	NetUID               int
	Network              string
	ChainEndpoint        string
	Scheme               SignatureScheme
	MetagraphSyncPeriod  time.Duration
	MetagraphMaxStale    time.Duration
	ChainFallbackEnabled bool
	ValidatorMinStake    float64

	// Object store.
	Bucket             string
	Region             string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ValidatorRoleArn   string
	MaxCredentialTTL   time.Duration
	UploadTTL          time.Duration
	S3OpTimeout        time.Duration
	MinUploadBytes     int64
	MaxUploadBytes     int64

	// Authentication.
	TimestampSkew    time.Duration
	TimestampAhead   time.Duration
	SignatureTimeout time.Duration
	ValidatorTimeout time.Duration
	AuthCacheTTL     time.Duration

	// Rate limiting.
	RateLimitingEnabled    bool
	DailyLimitPerMiner     int64
	DailyLimitPerValidator int64
	DailyAssignmentReads   int64
	TotalDailyLimit        int64
	DailyLimitPerIP        int64
	RedisURL               string

	// Zipcode selection.
	TargetListings      int
	TolerancePercent    int
	MinZipcodeListings  int
	MaxZipcodeListings  int
	Cooldown            time.Duration
	MaxDataAge          time.Duration
	StatePriorities     map[string]int
	PremiumWeight       float64
	StandardWeight      float64
	EmergingWeight      float64
	SelectionRandomness float64
	HoneypotProbability float64
	HoneypotThreshold   int
	SecretKey           string

	// Epochs.
	EpochDuration  time.Duration
	PregenLead     time.Duration
	EpochRetention time.Duration

	// Database.
	DatabaseURL string
	DBTimeout   time.Duration

	// HTTP.
	HTTPHost       string
	HTTPPort       int
	AllowedOrigins []string
}

var brokerConfig = DefaultBrokerConfig()

// BrokerCfg retrieves the broker config.
func BrokerCfg() *BrokerConfig {
	return brokerConfig
}

// OverrideBrokerConfig replaces the process wide config. Only the startup
// path and tests call this.
func OverrideBrokerConfig(c *BrokerConfig) {
	brokerConfig = c
}

// DefaultBrokerConfig returns the config preloaded with production defaults.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		NetUID:               46,
		Network:              "finney",
		Scheme:               Sr25519,
		MetagraphSyncPeriod:  5 * time.Minute,
		MetagraphMaxStale:    30 * time.Minute,
		ChainFallbackEnabled: false,
		ValidatorMinStake:    0,

		Region:           "us-east-2",
		MaxCredentialTTL: 24 * time.Hour,
		UploadTTL:        4 * time.Hour,
		S3OpTimeout:      60 * time.Second,
		MinUploadBytes:   1024,
		MaxUploadBytes:   5 * 1024 * 1024 * 1024,

		TimestampSkew:    300 * time.Second,
		TimestampAhead:   60 * time.Second,
		SignatureTimeout: 60 * time.Second,
		ValidatorTimeout: 120 * time.Second,
		AuthCacheTTL:     60 * time.Second,

		RateLimitingEnabled:    true,
		DailyLimitPerMiner:     20,
		DailyLimitPerValidator: 10000,
		DailyAssignmentReads:   1000,
		TotalDailyLimit:        200000,
		DailyLimitPerIP:        1000,
		RedisURL:               "redis://localhost:6379/0",

		TargetListings:      10000,
		TolerancePercent:    10,
		MinZipcodeListings:  200,
		MaxZipcodeListings:  3000,
		Cooldown:            24 * time.Hour,
		MaxDataAge:          30 * 24 * time.Hour,
		StatePriorities:     map[string]int{"PA": 1, "NJ": 2, "NY": 3, "DE": 4, "MD": 5},
		PremiumWeight:       1.5,
		StandardWeight:      1.0,
		EmergingWeight:      0.8,
		SelectionRandomness: 0.25,
		HoneypotProbability: 0.3,
		HoneypotThreshold:   50,

		EpochDuration:  4 * time.Hour,
		PregenLead:     5 * time.Minute,
		EpochRetention: 7 * 24 * time.Hour,

		DBTimeout: 10 * time.Second,

		HTTPHost:       "0.0.0.0",
		HTTPPort:       8000,
		AllowedOrigins: []string{"*"},
	}
}

// ParseStatePriorities parses a "PA:1,NJ:2" style priority list. Lower
// numbers mean higher priority.
func ParseStatePriorities(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed state priority %q", item)
		}
		p, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "priority for state %q", parts[0])
		}
		out[strings.ToUpper(strings.TrimSpace(parts[0]))] = p
	}
	if len(out) == 0 {
		return nil, errors.New("empty state priority list")
	}
	return out, nil
}

// TierWeight returns the configured weight for a market tier name.
func (c *BrokerConfig) TierWeight(tier string) float64 {
	switch tier {
	case "premium":
		return c.PremiumWeight
	case "emerging":
		return c.EmergingWeight
	default:
		return c.StandardWeight
	}
}

// Tolerance returns the tolerance as a fraction.
func (c *BrokerConfig) Tolerance() float64 {
	return float64(c.TolerancePercent) / 100
}
