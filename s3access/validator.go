package s3access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
)

// ErrEpochNotUploadable reports an epoch that is missing or not yet past;
// validators may only upload results for completed or archived epochs.
var ErrEpochNotUploadable = errors.New("epoch not finished")

// SessionCredentials are short lived STS credentials confined to one
// validator's result prefix for one epoch.
type SessionCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
	Bucket          string
	Region          string
	Prefix          string
}

// UploadGuidelines tell validators how to lay out result files.
type UploadGuidelines struct {
	PathTemplate string   `json:"path_template"`
	FileFormat   string   `json:"file_format"`
	MaxSizeBytes int64    `json:"max_size_bytes"`
	Required     []string `json:"required_fields"`
}

// Guidelines is the fixed upload contract for validator results.
func Guidelines(prefix string, maxBytes int64) *UploadGuidelines {
	return &UploadGuidelines{
		PathTemplate: prefix + "results_{timestamp}.json",
		FileFormat:   "json",
		MaxSizeBytes: maxBytes,
		Required:     []string{"epoch_id", "validator_hotkey", "miners_evaluated", "total_listings"},
	}
}

// epochReader is the slice of the epoch layer the uploader needs.
type epochReader interface {
	EpochByID(ctx context.Context, id string) (*zipcodes.Epoch, error)
}

// resultAuditor records the audit row for each credential grant.
type resultAuditor interface {
	InsertValidatorResult(ctx context.Context, r *zipcodes.ValidatorResult) error
}

// Uploader mints STS credentials for validator result uploads.
type Uploader struct {
	sts       *sts.Client
	bucket    string
	region    string
	roleArn   string
	ttl       time.Duration
	maxBytes  int64
	epochs    epochReader
	audit     resultAuditor
	opTimeout time.Duration
	now       func() time.Time
}

// UploaderConfig wires the uploader's collaborators.
type UploaderConfig struct {
	Minter    *Minter
	RoleArn   string
	TTL       time.Duration
	MaxBytes  int64
	Epochs    epochReader
	Audit     resultAuditor
	OpTimeout time.Duration
}

// NewUploader builds the validator result uploader off the minter's AWS
// session.
func NewUploader(cfg *UploaderConfig) *Uploader {
	return &Uploader{
		sts:       sts.NewFromConfig(cfg.Minter.awsCfg),
		bucket:    cfg.Minter.bucket,
		region:    cfg.Minter.region,
		roleArn:   cfg.RoleArn,
		ttl:       cfg.TTL,
		maxBytes:  cfg.MaxBytes,
		epochs:    cfg.Epochs,
		audit:     cfg.Audit,
		opTimeout: cfg.OpTimeout,
		now:       time.Now,
	}
}

// sessionPolicy confines the assumed role to putting and listing objects
// under a single prefix.
func (u *Uploader) sessionPolicy(prefix string) (string, error) {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":   "Allow",
				"Action":   []string{"s3:PutObject"},
				"Resource": fmt.Sprintf("arn:aws:s3:::%s/%s*", u.bucket, prefix),
			},
			{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket"},
				"Resource": fmt.Sprintf("arn:aws:s3:::%s", u.bucket),
				"Condition": map[string]interface{}{
					"StringLike": map[string]interface{}{"s3:prefix": prefix + "*"},
				},
			},
		},
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", errors.Wrap(err, "marshal session policy")
	}
	return string(raw), nil
}

// Status probes the STS endpoint role assumption goes through.
func (u *Uploader) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := u.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return errors.Wrap(err, "sts caller identity")
	}
	return nil
}

// Mint issues credentials for uploading results of a finished epoch and
// records the grant as an in-progress audit row. The epoch must exist and
// be past its end; pending and active epochs are refused so results cannot
// land before the window closes.
func (u *Uploader) Mint(ctx context.Context, hotkey chain.KeyID, epochID string) (*SessionCredentials, *UploadGuidelines, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opTimeout)
	defer cancel()

	epoch, err := u.epochs.EpochByID(ctx, epochID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "look up epoch %s", epochID)
	}
	if epoch == nil || (epoch.Status != zipcodes.StatusCompleted && epoch.Status != zipcodes.StatusArchived) {
		return nil, nil, ErrEpochNotUploadable
	}

	prefix := ValidatorUploadPrefix(hotkey, epochID)
	policy, err := u.sessionPolicy(prefix)
	if err != nil {
		return nil, nil, err
	}

	out, err := u.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(u.roleArn),
		RoleSessionName: aws.String("validator-" + uuid.NewString()),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(int32(u.ttl.Seconds())),
	})
	if err != nil {
		log.WithError(err).Error("AssumeRole failed")
		return nil, nil, ErrStoreUnavailable
	}

	if err := u.audit.InsertValidatorResult(ctx, &zipcodes.ValidatorResult{
		EpochID:         epochID,
		ValidatorHotkey: string(hotkey),
		ValidationTime:  u.now().UTC(),
		UploadPath:      prefix,
		Status:          "in_progress",
	}); err != nil {
		// The grant stands; a missing audit row is recoverable from
		// bucket listings.
		log.WithError(err).WithField("epoch", epochID).Warn("Validator result audit insert failed")
	}

	return &SessionCredentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiry:          aws.ToTime(out.Credentials.Expiration),
		Bucket:          u.bucket,
		Region:          u.region,
		Prefix:          prefix,
	}, Guidelines(prefix, u.maxBytes), nil
}
