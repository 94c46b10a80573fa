// Package s3 implements a drive backend on top of an S3-compatible object
// store.
//
// Layout inside the bucket (below the configured key prefix):
//
//	accounts/<email>/.account     account record (JSON: bcrypt hash, token)
//	accounts/<email>/<path>       file content
//	accounts/<email>/<path>/      zero-byte directory marker
//
// Login verifies the password against the bcrypt hash stored in the account
// record; Restore matches the session token from an exported auth config.
// This keeps account provisioning a plain object-store operation.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/drivegate/drivegate/pkg/remote"
)

// BackendName identifies this driver in exported auth configs.
const BackendName = "s3"

// minPartSize is the smallest part S3 accepts for multipart uploads.
const minPartSize = 5 * 1024 * 1024

// Config holds the connection settings for the object store.
type Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PartSize        int64  `mapstructure:"part_size"`
}

// Driver is an S3-backed remote.Driver.
type Driver struct {
	client   *s3.Client
	bucket   string
	prefix   string
	partSize int64
}

// accountRecord is the JSON document stored at accounts/<email>/.account.
type accountRecord struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"` // bcrypt
	SessionToken string `json:"session_token"`
}

// NewDriver builds the S3 client and verifies the bucket is reachable.
func NewDriver(ctx context.Context, cfg *Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 backend: region is required")
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO and Localstack need path-style addressing
		}
	})

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}

	d := &Driver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.KeyPrefix, "/"),
		partSize: partSize,
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %q not reachable: %w", cfg.Bucket, classify(err))
	}
	return d, nil
}

// accountPrefix returns the object-key prefix for an account, with a
// trailing slash.
func (d *Driver) accountPrefix(email string) string {
	if d.prefix == "" {
		return "accounts/" + email + "/"
	}
	return d.prefix + "/accounts/" + email + "/"
}

func (d *Driver) loadAccount(ctx context.Context, email string) (*accountRecord, error) {
	key := d.accountPrefix(email) + ".account"
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.Is(classify(err), remote.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", email, remote.ErrInvalidCredential)
		}
		return nil, classify(err)
	}
	defer out.Body.Close()

	var rec accountRecord
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("corrupt account record for %s: %w", email, err)
	}
	return &rec, nil
}

// Login implements remote.Driver. The two-factor code is ignored: the object
// store has no second factor, accounts are provisioned with password only.
func (d *Driver) Login(ctx context.Context, email, password, twoFactorCode string) (remote.Client, error) {
	rec, err := d.loadAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("login for %s: %w", email, remote.ErrInvalidCredential)
	}
	return &client{driver: d, email: email, root: d.accountPrefix(email)}, nil
}

// Restore implements remote.Driver.
func (d *Driver) Restore(ctx context.Context, cfg *remote.AuthConfig) (remote.Client, error) {
	if cfg.Backend != BackendName {
		return nil, fmt.Errorf("auth config is for backend %q, not %q", cfg.Backend, BackendName)
	}
	rec, err := d.loadAccount(ctx, cfg.Email)
	if err != nil {
		return nil, err
	}
	if rec.SessionToken == "" || cfg.Secrets["token"] != rec.SessionToken {
		return nil, fmt.Errorf("session restore for %s: %w", cfg.Email, remote.ErrInvalidCredential)
	}
	return &client{driver: d, email: cfg.Email, root: d.accountPrefix(cfg.Email)}, nil
}

// client is an authenticated handle scoped to one account's key prefix.
type client struct {
	driver *Driver
	email  string
	root   string // key prefix including trailing slash
}

func (c *client) Email() string { return c.email }

// objectKey maps an absolute drive path to its object key.
func (c *client) objectKey(p string) string {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned == "/" {
		return strings.TrimSuffix(c.root, "/")
	}
	return c.root + strings.TrimPrefix(cleaned, "/")
}

// dirKey is the directory-marker key for p (trailing slash).
func (c *client) dirKey(p string) string {
	return c.objectKey(p) + "/"
}

// classify maps SDK errors onto the remote error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w", remote.ErrNotFound)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w", remote.ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%s: %w", apiErr.ErrorMessage(), remote.ErrNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", apiErr.ErrorMessage(), remote.ErrPermission)
		case "QuotaExceeded", "EntityTooLarge", "ServiceQuotaExceededException":
			return fmt.Errorf("%s: %w", apiErr.ErrorMessage(), remote.ErrQuota)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return fmt.Errorf("%s: %w", apiErr.ErrorMessage(), remote.ErrUnreachable)
		}
		return err
	}

	if remote.IsTransient(err) {
		return fmt.Errorf("%v: %w", err, remote.ErrUnreachable)
	}
	return err
}
