// Package s3access mints scoped, time limited object store credentials:
// presigned POST policies bound to a key prefix for uploads, presigned list
// URLs for reads, and STS session credentials for validator result uploads.
package s3access

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/config/params"
)

var log = logrus.WithField("prefix", "s3access")

const unsignedPayload = "UNSIGNED-PAYLOAD"

// Bound on concurrent signing calls toward the store.
const maxConcurrentOps = 64

var (
	mintedPolicies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "upload_policies_minted_total",
		Help:      "Presigned upload policies issued.",
	})
	mintedURLs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "read_urls_minted_total",
		Help:      "Presigned list/get URLs issued.",
	})
)

// ErrStoreUnavailable reports a signing or probe failure within deadline.
var ErrStoreUnavailable = errors.New("object store unavailable")

// ErrSaturated reports that the store's concurrency bound is exhausted;
// callers should retry rather than queue.
var ErrSaturated = errors.New("object store concurrency limit reached")

// UploadPolicy is a signed POST form: clients POST to URL with Fields plus
// their file and may only create keys under the bound prefix.
type UploadPolicy struct {
	URL    string
	Fields map[string]string
	Expiry time.Time
}

// ListScope describes a presigned ListObjectsV2 grant.
type ListScope struct {
	Prefix    string
	Delimiter bool
	MaxKeys   int32
}

// Minter issues store credentials for one bucket.
type Minter struct {
	bucket    string
	region    string
	awsCfg    aws.Config
	presigner *s3.PresignClient
	client    *s3.Client
	maxTTL    time.Duration
	opTimeout time.Duration
	minBytes  int64
	maxBytes  int64
	sem       *semaphore.Weighted
	now       func() time.Time
}

// NewMinter builds a minter from broker configuration. Explicitly
// configured keys take precedence; otherwise the default provider chain
// (instance profile, env, shared config) applies.
func NewMinter(ctx context.Context, cfg *params.BrokerConfig) (*Minter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg)
	return &Minter{
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		awsCfg:    awsCfg,
		presigner: s3.NewPresignClient(client),
		client:    client,
		maxTTL:    cfg.MaxCredentialTTL,
		opTimeout: cfg.S3OpTimeout,
		minBytes:  cfg.MinUploadBytes,
		maxBytes:  cfg.MaxUploadBytes,
		sem:       semaphore.NewWeighted(maxConcurrentOps),
		now:       time.Now,
	}, nil
}

// Bucket returns the bucket credentials are issued against.
func (m *Minter) Bucket() string {
	return m.bucket
}

// Region returns the bucket region.
func (m *Minter) Region() string {
	return m.region
}

// MinerDataPrefix is the only keyspace a miner may write or list.
func MinerDataPrefix(hotkey chain.KeyID) string {
	return fmt.Sprintf("data/hotkey=%s/", hotkey)
}

// ValidatorUploadPrefix roots a validator's result uploads for one epoch.
func ValidatorUploadPrefix(hotkey chain.KeyID, epochID string) string {
	return fmt.Sprintf("validators/%s/epoch=%s/", hotkey, epochID)
}

// GlobalDataPrefix spans every miner folder; validator read scope only.
const GlobalDataPrefix = "data/hotkey="

func (m *Minter) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

func (m *Minter) acquire(ctx context.Context) (release func(), err error) {
	if !m.sem.TryAcquire(1) {
		return nil, ErrSaturated
	}
	return func() { m.sem.Release(1) }, nil
}

// MintUploadPolicy signs a POST policy admitting only keys that start with
// prefix, sized within the configured band, until now+ttl.
func (m *Minter) MintUploadPolicy(ctx context.Context, prefix string, ttl time.Duration) (*UploadPolicy, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ttl = m.clampTTL(ttl)
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	post, err := m.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(prefix + "${filename}"),
	}, func(opts *s3.PresignPostOptions) {
		opts.Expires = ttl
		opts.Conditions = []interface{}{
			[]interface{}{"starts-with", "$key", prefix},
			[]interface{}{"content-length-range", m.minBytes, m.maxBytes},
			map[string]string{"acl": "private"},
			map[string]string{"x-amz-storage-class": "STANDARD"},
		}
	})
	if err != nil {
		log.WithError(err).Error("Presigned POST signing failed")
		return nil, ErrStoreUnavailable
	}

	fields := make(map[string]string, len(post.Values)+3)
	for k, v := range post.Values {
		fields[k] = v
	}
	fields["acl"] = "private"
	fields["x-amz-storage-class"] = "STANDARD"
	fields["key"] = prefix + "${filename}"

	mintedPolicies.Inc()
	return &UploadPolicy{
		URL:    fmt.Sprintf("https://%s.s3.%s.amazonaws.com", m.bucket, m.region),
		Fields: fields,
		Expiry: m.now().Add(ttl),
	}, nil
}

// MintListURL signs a ListObjectsV2 URL over the scope's prefix.
func (m *Minter) MintListURL(ctx context.Context, scope ListScope, ttl time.Duration) (string, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	ttl = m.clampTTL(ttl)
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("list-type", "2")
	query.Set("prefix", scope.Prefix)
	if scope.Delimiter {
		query.Set("delimiter", "/")
	}
	if scope.MaxKeys > 0 {
		query.Set("max-keys", strconv.Itoa(int(scope.MaxKeys)))
	}
	query.Set("X-Amz-Expires", strconv.Itoa(int(ttl.Seconds())))

	endpoint := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/?%s", m.bucket, m.region, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "build list request")
	}

	creds, err := m.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.WithError(err).Error("Credential retrieval failed")
		return "", ErrStoreUnavailable
	}
	signer := v4.NewSigner()
	signedURL, _, err := signer.PresignHTTP(ctx, creds, req, unsignedPayload, "s3", m.region, m.now())
	if err != nil {
		log.WithError(err).Error("List URL signing failed")
		return "", ErrStoreUnavailable
	}
	mintedURLs.Inc()
	return signedURL, nil
}

// Status probes bucket reachability.
func (m *Minter) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return errors.Wrap(err, "head bucket")
	}
	return nil
}
