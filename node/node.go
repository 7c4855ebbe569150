// Package node assembles the broker's services from configuration and
// drives their lifecycle through the service registry.
package node

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/resi-labs-ai/resi-labs-api/api"
	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/cmd/broker/flags"
	"github.com/resi-labs-ai/resi-labs-api/config/params"
	"github.com/resi-labs-ai/resi-labs-api/crypto/signatures"
	"github.com/resi-labs-ai/resi-labs-api/epochs"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
	"github.com/resi-labs-ai/resi-labs-api/runtime"
	"github.com/resi-labs-ai/resi-labs-api/s3access"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes/store"
)

var log = logrus.WithField("prefix", "node")

// BrokerNode is the assembled process: storage, chain view, scheduler,
// and the HTTP front, managed as registry services.
type BrokerNode struct {
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	db       *store.Store
	stop     chan struct{}
}

// configFromCLI folds the flag values into a BrokerConfig.
func configFromCLI(cliCtx *cli.Context) (*params.BrokerConfig, error) {
	cfg := params.DefaultBrokerConfig()

	cfg.NetUID = cliCtx.Int(flags.NetUID.Name)
	cfg.Network = cliCtx.String(flags.Network.Name)
	cfg.ChainEndpoint = cliCtx.String(flags.ChainEndpoint.Name)
	cfg.Scheme = params.SignatureScheme(cliCtx.String(flags.SignatureScheme.Name))
	cfg.MetagraphSyncPeriod = cliCtx.Duration(flags.MetagraphSyncInterval.Name)
	cfg.MetagraphMaxStale = cliCtx.Duration(flags.MetagraphMaxStale.Name)
	cfg.ChainFallbackEnabled = cliCtx.Bool(flags.ChainFallback.Name)
	cfg.ValidatorMinStake = cliCtx.Float64(flags.ValidatorMinStake.Name)

	cfg.Bucket = cliCtx.String(flags.S3Bucket.Name)
	cfg.Region = cliCtx.String(flags.S3Region.Name)
	cfg.AWSAccessKeyID = cliCtx.String(flags.AWSAccessKeyID.Name)
	cfg.AWSSecretAccessKey = cliCtx.String(flags.AWSSecretAccessKey.Name)
	cfg.ValidatorRoleArn = cliCtx.String(flags.ValidatorRoleArn.Name)
	cfg.MaxCredentialTTL = cliCtx.Duration(flags.MaxCredentialTTL.Name)
	cfg.UploadTTL = cliCtx.Duration(flags.UploadTTL.Name)
	cfg.S3OpTimeout = cliCtx.Duration(flags.S3OpTimeout.Name)

	cfg.TimestampSkew = cliCtx.Duration(flags.TimestampSkew.Name)
	cfg.SignatureTimeout = cliCtx.Duration(flags.SignatureTimeout.Name)
	cfg.ValidatorTimeout = cliCtx.Duration(flags.ValidatorTimeout.Name)

	cfg.RateLimitingEnabled = cliCtx.Bool(flags.EnableRateLimiting.Name)
	cfg.DailyLimitPerMiner = cliCtx.Int64(flags.DailyLimitPerMiner.Name)
	cfg.DailyLimitPerValidator = cliCtx.Int64(flags.DailyLimitPerValidator.Name)
	cfg.DailyAssignmentReads = cliCtx.Int64(flags.DailyAssignmentReads.Name)
	cfg.TotalDailyLimit = cliCtx.Int64(flags.TotalDailyLimit.Name)
	cfg.DailyLimitPerIP = cliCtx.Int64(flags.DailyLimitPerIP.Name)
	cfg.RedisURL = cliCtx.String(flags.RedisURL.Name)

	cfg.TargetListings = cliCtx.Int(flags.TargetListings.Name)
	cfg.TolerancePercent = cliCtx.Int(flags.TolerancePercent.Name)
	cfg.MinZipcodeListings = cliCtx.Int(flags.MinZipcodeListings.Name)
	cfg.MaxZipcodeListings = cliCtx.Int(flags.MaxZipcodeListings.Name)
	cfg.Cooldown = time.Duration(cliCtx.Int(flags.CooldownHours.Name)) * time.Hour
	cfg.PremiumWeight = cliCtx.Float64(flags.PremiumWeight.Name)
	cfg.StandardWeight = cliCtx.Float64(flags.StandardWeight.Name)
	cfg.EmergingWeight = cliCtx.Float64(flags.EmergingWeight.Name)
	cfg.SelectionRandomness = cliCtx.Float64(flags.SelectionRandomness.Name)
	cfg.HoneypotProbability = cliCtx.Float64(flags.HoneypotProbability.Name)
	cfg.HoneypotThreshold = cliCtx.Int(flags.HoneypotThreshold.Name)
	cfg.SecretKey = cliCtx.String(flags.ZipcodeSecretKey.Name)

	priorities, err := params.ParseStatePriorities(cliCtx.String(flags.StatePriorities.Name))
	if err != nil {
		return nil, errors.Wrap(err, "parse state priorities")
	}
	cfg.StatePriorities = priorities

	cfg.DatabaseURL = cliCtx.String(flags.DatabaseURL.Name)
	cfg.HTTPHost = cliCtx.String(flags.HTTPHost.Name)
	cfg.HTTPPort = cliCtx.Int(flags.HTTPPort.Name)
	cfg.AllowedOrigins = strings.Split(cliCtx.String(flags.AllowedOrigins.Name), ",")

	if _, err := signatures.ForScheme(string(cfg.Scheme)); err != nil {
		return nil, err
	}
	if cfg.SelectionRandomness < 0 || cfg.SelectionRandomness > 1 {
		return nil, errors.New("selection-randomness must lie in [0,1]")
	}
	return cfg, nil
}

// New builds the node and performs the blocking startup work: database
// migration and the initial chain sync.
func New(cliCtx *cli.Context) (*BrokerNode, error) {
	cfg, err := configFromCLI(cliCtx)
	if err != nil {
		return nil, err
	}
	params.OverrideBrokerConfig(cfg)

	ctx, cancel := context.WithCancel(cliCtx.Context)
	n := &BrokerNode{
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, err
	}
	n.db = db
	if err := db.Migrate(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "migrate database")
	}

	var counters ratelimit.CounterStore
	if cfg.RedisURL != "" {
		counters, err = ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			cancel()
			return nil, err
		}
	} else {
		log.Warn("No redis url configured, using in-process rate limit counters")
		counters = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(counters, &ratelimit.Config{
		Enabled:           cfg.RateLimitingEnabled,
		PerMinerDaily:     cfg.DailyLimitPerMiner,
		PerValidatorDaily: cfg.DailyLimitPerValidator,
		PerIPDaily:        cfg.DailyLimitPerIP,
		GlobalDaily:       cfg.TotalDailyLimit,
	})

	syncer := chain.NewSyncer(ctx, chain.NewHTTPClient(cfg.ChainEndpoint), &chain.SyncerConfig{
		NetUID:          cfg.NetUID,
		SyncPeriod:      cfg.MetagraphSyncPeriod,
		MaxStale:        cfg.MetagraphMaxStale,
		FallbackEnabled: cfg.ChainFallbackEnabled,
		QueryTimeout:    cfg.ValidatorTimeout,
	})
	if err := syncer.InitialSync(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "initial metagraph sync")
	}

	verifier, err := signatures.ForScheme(string(cfg.Scheme))
	if err != nil {
		cancel()
		return nil, err
	}
	authenticator := auth.New(verifier, syncer, &auth.Config{
		Skew:              cfg.TimestampSkew,
		Ahead:             cfg.TimestampAhead,
		SignatureTimeout:  cfg.SignatureTimeout,
		MinValidatorStake: cfg.ValidatorMinStake,
		CacheTTL:          cfg.AuthCacheTTL,
	})

	minter, err := s3access.NewMinter(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	scheduler := epochs.NewScheduler(ctx, db, &epochs.Config{
		Duration:   cfg.EpochDuration,
		PregenLead: cfg.PregenLead,
		Retention:  cfg.EpochRetention,
		Selection: &zipcodes.Params{
			Target:     cfg.TargetListings,
			Tolerance:  cfg.Tolerance(),
			Randomness: cfg.SelectionRandomness,
			TierWeights: map[zipcodes.MarketTier]float64{
				zipcodes.TierPremium:  cfg.TierWeight("premium"),
				zipcodes.TierStandard: cfg.TierWeight("standard"),
				zipcodes.TierEmerging: cfg.TierWeight("emerging"),
			},
			StatePriorities:     cfg.StatePriorities,
			Cooldown:            cfg.Cooldown,
			HoneypotProbability: cfg.HoneypotProbability,
			HoneypotThreshold:   cfg.HoneypotThreshold,
			Secret:              []byte(cfg.SecretKey),
		},
		Eligibility: &store.EligibilityFilter{
			MinListings: cfg.MinZipcodeListings,
			MaxListings: cfg.MaxZipcodeListings,
			Cooldown:    cfg.Cooldown,
			MaxDataAge:  cfg.MaxDataAge,
			States:      stateList(cfg.StatePriorities),
		},
		DBTimeout: cfg.DBTimeout,
	})
	uploader := s3access.NewUploader(&s3access.UploaderConfig{
		Minter:    minter,
		RoleArn:   cfg.ValidatorRoleArn,
		TTL:       cfg.UploadTTL,
		MaxBytes:  cfg.MaxUploadBytes,
		Epochs:    db,
		Audit:     db,
		OpTimeout: cfg.S3OpTimeout,
	})

	server := api.New(ctx, &api.Config{
		Broker:   cfg,
		Auth:     authenticator,
		Limiter:  limiter,
		Minter:   minter,
		Uploader: uploader,
		Epochs:   scheduler,
		Chain:    syncer,
		Store:    db,
	})

	for _, svc := range []runtime.Service{syncer, scheduler, server} {
		if err := n.services.RegisterService(svc); err != nil {
			cancel()
			return nil, err
		}
	}
	return n, nil
}

func stateList(priorities map[string]int) []string {
	states := make([]string, 0, len(priorities))
	for s := range priorities {
		states = append(states, s)
	}
	return states
}

// Start runs every service and blocks until a shutdown signal arrives.
func (n *BrokerNode) Start() {
	n.services.StartAll()

	fields := logrus.Fields{"netuid": params.BrokerCfg().NetUID}
	var syncer *chain.Syncer
	if err := n.services.FetchService(&syncer); err == nil {
		if snap := syncer.Snapshot(); snap != nil {
			fields["hotkeys"] = snap.Count()
		}
	}
	log.WithFields(fields).Info("Broker started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case <-n.stop:
	}
	n.Close()
}

// Close stops all services in reverse registration order.
func (n *BrokerNode) Close() {
	n.services.StopAll()
	n.db.Close()
	n.cancel()
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
}
