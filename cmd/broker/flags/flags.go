// Package flags defines the command line surface of the broker. Every
// flag carries the environment variable used by container deployments.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// NetUID is the target subnet.
	NetUID = &cli.IntFlag{
		Name:    "netuid",
		Usage:   "Subnet netuid the broker serves",
		Value:   46,
		EnvVars: []string{"NET_UID"},
	}
	// Network names the chain network.
	Network = &cli.StringFlag{
		Name:    "network",
		Usage:   "Chain network name",
		Value:   "finney",
		EnvVars: []string{"BT_NETWORK"},
	}
	// ChainEndpoint is the metagraph bridge URL.
	ChainEndpoint = &cli.StringFlag{
		Name:    "chain-endpoint",
		Usage:   "HTTP endpoint of the metagraph bridge",
		EnvVars: []string{"CHAIN_ENDPOINT"},
	}
	// SignatureScheme selects the commitment curve.
	SignatureScheme = &cli.StringFlag{
		Name:    "signature-scheme",
		Usage:   "Commitment signature scheme (sr25519 or ed25519)",
		Value:   "sr25519",
		EnvVars: []string{"SIGNATURE_SCHEME"},
	}
	// MetagraphSyncInterval is the chain view refresh period.
	MetagraphSyncInterval = &cli.DurationFlag{
		Name:    "metagraph-sync-interval",
		Usage:   "Period between metagraph refreshes",
		Value:   5 * time.Minute,
		EnvVars: []string{"METAGRAPH_SYNC_INTERVAL"},
	}
	// MetagraphMaxStale bounds snapshot age before lookups fail.
	MetagraphMaxStale = &cli.DurationFlag{
		Name:    "metagraph-max-stale",
		Usage:   "Maximum snapshot age before lookups report the chain view unavailable",
		Value:   30 * time.Minute,
		EnvVars: []string{"METAGRAPH_MAX_STALE"},
	}
	// ChainFallback enables direct chain queries on snapshot misses.
	ChainFallback = &cli.BoolFlag{
		Name:    "chain-fallback",
		Usage:   "Query the chain directly when the snapshot is stale or boot sync failed",
		EnvVars: []string{"CHAIN_FALLBACK"},
	}
	// ValidatorMinStake is the stake floor for validator endpoints.
	ValidatorMinStake = &cli.Float64Flag{
		Name:    "validator-min-stake",
		Usage:   "Minimum stake required of validators, 0 disables the floor",
		EnvVars: []string{"VALIDATOR_MIN_STAKE"},
	}

	// S3Bucket is the data bucket.
	S3Bucket = &cli.StringFlag{
		Name:     "s3-bucket",
		Usage:    "Bucket miner data and validator results live in",
		Required: true,
		EnvVars:  []string{"S3_BUCKET"},
	}
	// S3Region is the bucket region.
	S3Region = &cli.StringFlag{
		Name:    "s3-region",
		Usage:   "Region of the data bucket",
		Value:   "us-east-2",
		EnvVars: []string{"S3_REGION"},
	}
	// AWSAccessKeyID overrides the default credential chain.
	AWSAccessKeyID = &cli.StringFlag{
		Name:    "aws-access-key-id",
		Usage:   "Static AWS access key, empty selects the default provider chain",
		EnvVars: []string{"AWS_ACCESS_KEY_ID"},
	}
	// AWSSecretAccessKey pairs with AWSAccessKeyID.
	AWSSecretAccessKey = &cli.StringFlag{
		Name:    "aws-secret-access-key",
		Usage:   "Static AWS secret key, empty selects the default provider chain",
		EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
	}
	// ValidatorRoleArn is assumed for validator result uploads.
	ValidatorRoleArn = &cli.StringFlag{
		Name:    "validator-role-arn",
		Usage:   "IAM role assumed when minting validator upload credentials",
		EnvVars: []string{"S3_VALIDATOR_ROLE_ARN"},
	}
	// MaxCredentialTTL bounds every issued credential.
	MaxCredentialTTL = &cli.DurationFlag{
		Name:    "max-credential-ttl",
		Usage:   "Upper bound on issued credential lifetime",
		Value:   24 * time.Hour,
		EnvVars: []string{"MAX_CREDENTIAL_TTL_SECONDS"},
	}
	// UploadTTL bounds validator upload credentials.
	UploadTTL = &cli.DurationFlag{
		Name:    "upload-ttl",
		Usage:   "Lifetime of validator result upload credentials",
		Value:   4 * time.Hour,
		EnvVars: []string{"UPLOAD_TTL"},
	}
	// S3OpTimeout bounds object store calls.
	S3OpTimeout = &cli.DurationFlag{
		Name:    "s3-op-timeout",
		Usage:   "Deadline for each object store operation",
		Value:   60 * time.Second,
		EnvVars: []string{"S3_OPERATION_TIMEOUT"},
	}

	// TimestampSkew bounds commitment age.
	TimestampSkew = &cli.DurationFlag{
		Name:    "timestamp-skew",
		Usage:   "How far behind now a commitment timestamp may lie",
		Value:   300 * time.Second,
		EnvVars: []string{"TIMESTAMP_SKEW_SECONDS"},
	}
	// SignatureTimeout bounds verification.
	SignatureTimeout = &cli.DurationFlag{
		Name:    "signature-timeout",
		Usage:   "Deadline for signature verification",
		Value:   60 * time.Second,
		EnvVars: []string{"SIGNATURE_VERIFICATION_TIMEOUT"},
	}
	// ValidatorTimeout bounds validator auth end to end.
	ValidatorTimeout = &cli.DurationFlag{
		Name:    "validator-timeout",
		Usage:   "Deadline for validator verification including chain lookups",
		Value:   120 * time.Second,
		EnvVars: []string{"VALIDATOR_VERIFICATION_TIMEOUT"},
	}

	// EnableRateLimiting toggles quota enforcement.
	EnableRateLimiting = &cli.BoolFlag{
		Name:    "enable-rate-limiting",
		Usage:   "Enforce daily request quotas",
		Value:   true,
		EnvVars: []string{"ENABLE_RATE_LIMITING"},
	}
	// DailyLimitPerMiner caps miner requests per day.
	DailyLimitPerMiner = &cli.Int64Flag{
		Name:    "daily-limit-per-miner",
		Usage:   "Requests one miner hotkey may make per UTC day",
		Value:   20,
		EnvVars: []string{"DAILY_LIMIT_PER_MINER"},
	}
	// DailyLimitPerValidator caps validator requests per day.
	DailyLimitPerValidator = &cli.Int64Flag{
		Name:    "daily-limit-per-validator",
		Usage:   "Requests one validator hotkey may make per UTC day",
		Value:   10000,
		EnvVars: []string{"DAILY_LIMIT_PER_VALIDATOR"},
	}
	// DailyAssignmentReads caps assignment polling per hotkey.
	DailyAssignmentReads = &cli.Int64Flag{
		Name:    "daily-assignment-reads",
		Usage:   "Assignment reads one hotkey may make per UTC day, separate from credential issuance",
		Value:   1000,
		EnvVars: []string{"DAILY_ASSIGNMENT_READS"},
	}
	// TotalDailyLimit caps the whole service per day.
	TotalDailyLimit = &cli.Int64Flag{
		Name:    "total-daily-limit",
		Usage:   "Requests the service admits per UTC day",
		Value:   200000,
		EnvVars: []string{"TOTAL_DAILY_LIMIT"},
	}
	// DailyLimitPerIP caps unauthenticated endpoints.
	DailyLimitPerIP = &cli.Int64Flag{
		Name:    "daily-limit-per-ip",
		Usage:   "Public endpoint requests one address may make per UTC day",
		Value:   1000,
		EnvVars: []string{"DAILY_LIMIT_PER_IP"},
	}
	// RedisURL locates the counter store.
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL for rate limit counters, empty selects the in-memory store",
		EnvVars: []string{"REDIS_URL"},
	}

	// TargetListings is the per-epoch listings budget.
	TargetListings = &cli.IntFlag{
		Name:    "target-listings",
		Usage:   "Expected listings budget per epoch",
		Value:   10000,
		EnvVars: []string{"TARGET_LISTINGS"},
	}
	// TolerancePercent is the budget tolerance band.
	TolerancePercent = &cli.IntFlag{
		Name:    "tolerance-percent",
		Usage:   "Tolerance around the listings budget, percent",
		Value:   10,
		EnvVars: []string{"TOLERANCE_PERCENT"},
	}
	// MinZipcodeListings is the eligibility floor.
	MinZipcodeListings = &cli.IntFlag{
		Name:    "min-zipcode-listings",
		Usage:   "Zipcodes below this expected listings count are ineligible",
		Value:   200,
		EnvVars: []string{"MIN_ZIPCODE_LISTINGS"},
	}
	// MaxZipcodeListings is the eligibility ceiling.
	MaxZipcodeListings = &cli.IntFlag{
		Name:    "max-zipcode-listings",
		Usage:   "Zipcodes above this expected listings count are ineligible",
		Value:   3000,
		EnvVars: []string{"MAX_ZIPCODE_LISTINGS"},
	}
	// CooldownHours keeps recently assigned zipcodes out.
	CooldownHours = &cli.IntFlag{
		Name:    "cooldown-hours",
		Usage:   "Hours a zipcode rests after appearing in a published epoch",
		Value:   24,
		EnvVars: []string{"COOLDOWN_HOURS"},
	}
	// StatePriorities orders states, lower number first.
	StatePriorities = &cli.StringFlag{
		Name:    "state-priorities",
		Usage:   "State priority list, e.g. PA:1,NJ:2,NY:3",
		Value:   "PA:1,NJ:2,NY:3,DE:4,MD:5",
		EnvVars: []string{"STATE_PRIORITIES"},
	}
	// PremiumWeight scales premium tier zipcodes.
	PremiumWeight = &cli.Float64Flag{
		Name:    "premium-weight",
		Usage:   "Selection weight multiplier for premium tier",
		Value:   1.5,
		EnvVars: []string{"PREMIUM_WEIGHT"},
	}
	// StandardWeight scales standard tier zipcodes.
	StandardWeight = &cli.Float64Flag{
		Name:    "standard-weight",
		Usage:   "Selection weight multiplier for standard tier",
		Value:   1.0,
		EnvVars: []string{"STANDARD_WEIGHT"},
	}
	// EmergingWeight scales emerging tier zipcodes.
	EmergingWeight = &cli.Float64Flag{
		Name:    "emerging-weight",
		Usage:   "Selection weight multiplier for emerging tier",
		Value:   0.8,
		EnvVars: []string{"EMERGING_WEIGHT"},
	}
	// SelectionRandomness interpolates weighted to uniform sampling.
	SelectionRandomness = &cli.Float64Flag{
		Name:    "selection-randomness",
		Usage:   "Randomness coefficient alpha in [0,1]",
		Value:   0.25,
		EnvVars: []string{"SELECTION_RANDOMNESS"},
	}
	// HoneypotProbability is the chance an epoch carries a honeypot.
	HoneypotProbability = &cli.Float64Flag{
		Name:    "honeypot-probability",
		Usage:   "Probability of adding a honeypot zipcode to an epoch",
		Value:   0.3,
		EnvVars: []string{"HONEYPOT_PROBABILITY"},
	}
	// HoneypotThreshold bounds the honeypot pool.
	HoneypotThreshold = &cli.IntFlag{
		Name:    "honeypot-threshold",
		Usage:   "Expected listings ceiling of the honeypot pool",
		Value:   50,
		EnvVars: []string{"HONEYPOT_THRESHOLD"},
	}
	// ZipcodeSecretKey seeds selection and nonces.
	ZipcodeSecretKey = &cli.StringFlag{
		Name:     "zipcode-secret-key",
		Usage:    "HMAC key behind epoch seeds and nonces",
		Required: true,
		EnvVars:  []string{"ZIPCODE_SECRET_KEY"},
	}

	// DatabaseURL locates the assignment database.
	DatabaseURL = &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Postgres connection URL",
		Required: true,
		EnvVars:  []string{"DATABASE_URL"},
	}

	// HTTPHost is the listen address.
	HTTPHost = &cli.StringFlag{
		Name:    "http-host",
		Usage:   "Listen address of the HTTP server",
		Value:   "0.0.0.0",
		EnvVars: []string{"HTTP_HOST"},
	}
	// HTTPPort is the listen port.
	HTTPPort = &cli.IntFlag{
		Name:    "http-port",
		Usage:   "Listen port of the HTTP server",
		Value:   8000,
		EnvVars: []string{"HTTP_PORT"},
	}
	// AllowedOrigins configures CORS.
	AllowedOrigins = &cli.StringFlag{
		Name:    "allowed-origins",
		Usage:   "Comma separated CORS origins",
		Value:   "*",
		EnvVars: []string{"ALLOWED_ORIGINS"},
	}
	// Verbosity selects the log level.
	Verbosity = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"VERBOSITY"},
	}
)

// Flags is the full flag set of the broker command.
var Flags = []cli.Flag{
	NetUID, Network, ChainEndpoint, SignatureScheme,
	MetagraphSyncInterval, MetagraphMaxStale, ChainFallback, ValidatorMinStake,
	S3Bucket, S3Region, AWSAccessKeyID, AWSSecretAccessKey, ValidatorRoleArn, MaxCredentialTTL, UploadTTL, S3OpTimeout,
	TimestampSkew, SignatureTimeout, ValidatorTimeout,
	EnableRateLimiting, DailyLimitPerMiner, DailyLimitPerValidator, DailyAssignmentReads, TotalDailyLimit, DailyLimitPerIP, RedisURL,
	TargetListings, TolerancePercent, MinZipcodeListings, MaxZipcodeListings, CooldownHours,
	StatePriorities, PremiumWeight, StandardWeight, EmergingWeight,
	SelectionRandomness, HoneypotProbability, HoneypotThreshold, ZipcodeSecretKey,
	DatabaseURL, HTTPHost, HTTPPort, AllowedOrigins, Verbosity,
}
