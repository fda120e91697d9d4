package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Employeest/employeest-be/internal/config"
)

// ErrObjectExists is returned when an upload would overwrite an immutable
// artifact.
var ErrObjectExists = errors.New("object already exists")

// Store is a flat key space files are uploaded into.
type Store interface {
	// Put uploads the local file at src under key.
	Put(ctx context.Context, key, src string) error
	// Clear removes every object under the store's root.
	Clear(ctx context.Context) error
	// Location describes where the store writes, for logs.
	Location() string
}

// Retainer is a Store that can drop what it holds once it is older than its
// retention window.
type Retainer interface {
	EnforceRetention(ctx context.Context) error
}

// LocalStore keeps objects in a directory.
type LocalStore struct {
	Root string
	// Overwrite allows Put to replace an existing object.
	Overwrite bool
	// RetentionDays, when positive, makes EnforceRetention remove top-level
	// entries last modified longer ago than that.
	RetentionDays int

	now func() time.Time
}

func (l *LocalStore) Location() string { return l.Root }

func (l *LocalStore) Put(_ context.Context, key, src string) error {
	dst := filepath.Join(l.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !l.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", key, ErrObjectExists)
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

func (l *LocalStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(l.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing %s: %w", l.Root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(l.Root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// EnforceRetention removes run directories older than RetentionDays.
func (l *LocalStore) EnforceRetention(_ context.Context) error {
	if l.RetentionDays <= 0 {
		return nil
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	cutoff := now().AddDate(0, 0, -l.RetentionDays)

	entries, err := os.ReadDir(l.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing %s: %w", l.Root, err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.Root, e.Name())); err != nil {
			return fmt.Errorf("removing expired %s: %w", e.Name(), err)
		}
	}
	return nil
}

// s3API is the subset of the S3 client the stores use.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	GetBucketLifecycleConfiguration(ctx context.Context, params *s3.GetBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

const (
	// S3 allows at most this many keys per DeleteObjects call.
	maxDeleteKeys = 1000

	retentionTagKey = "retention-days"
	// Prefix of the lifecycle rule IDs this store owns.
	retentionRuleID = "employeest-retention"
	noLifecycleCode = "NoSuchLifecycleConfiguration"
)

// S3Store writes objects into a bucket under a prefix.
type S3Store struct {
	api    s3API
	bucket string
	prefix string
	// retentionDays, when positive, tags every object so the bucket lifecycle
	// rule installed by EnforceRetention expires it.
	retentionDays int
	// immutable makes Put fail instead of overwriting.
	immutable bool
}

// NewS3Client builds an S3 client from the default credential chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// NewArtifactStore stores immutable, expiring artifacts.
func NewArtifactStore(api s3API, bucket, prefix string, retentionDays int) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: prefix, retentionDays: retentionDays, immutable: true}
}

// NewSiteStore stores the published report site.
func NewSiteStore(api s3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Location() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func (s *S3Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return path.Join(s.prefix, k)
}

func (s *S3Store) Put(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   f,
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if s.immutable {
		input.IfNoneMatch = aws.String("*")
	}
	if s.retentionDays > 0 {
		input.Tagging = aws.String(retentionTagKey + "=" + strconv.Itoa(s.retentionDays))
	}

	if _, err := s.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, s.key(key), err)
	}
	return nil
}

func (s *S3Store) Clear(ctx context.Context) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var keys []types.ObjectIdentifier
	pager := s3.NewListObjectsV2Paginator(s.api, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for start := 0; start < len(keys); start += maxDeleteKeys {
		end := min(start+maxDeleteKeys, len(keys))
		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: keys[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting from s3://%s: %w", s.bucket, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("deleting s3://%s/%s: %s", s.bucket, aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

func (s *S3Store) ruleID() string {
	if s.prefix == "" {
		return retentionRuleID
	}
	return retentionRuleID + "/" + s.prefix
}

func (s *S3Store) retentionRule() types.LifecycleRule {
	tag := types.Tag{Key: aws.String(retentionTagKey), Value: aws.String(strconv.Itoa(s.retentionDays))}

	// A single-condition filter must not be wrapped in And.
	filter := &types.LifecycleRuleFilter{Tag: &tag}
	if s.prefix != "" {
		filter = &types.LifecycleRuleFilter{And: &types.LifecycleRuleAndOperator{
			Prefix: aws.String(s.prefix + "/"),
			Tags:   []types.Tag{tag},
		}}
	}

	return types.LifecycleRule{
		ID:         aws.String(s.ruleID()),
		Status:     types.ExpirationStatusEnabled,
		Filter:     filter,
		Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(s.retentionDays))},
	}
}

// EnforceRetention installs a bucket lifecycle rule that expires this
// store's tagged objects after retentionDays. Rules for other prefixes are
// left untouched, and an identical rule is not rewritten.
func (s *S3Store) EnforceRetention(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	var rules []types.LifecycleRule
	out, err := s.api.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
	})
	var apiErr smithy.APIError
	switch {
	case err == nil:
		rules = out.Rules
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == noLifecycleCode:
	default:
		return fmt.Errorf("reading lifecycle of s3://%s: %w", s.bucket, err)
	}

	want := s.retentionRule()
	merged := make([]types.LifecycleRule, 0, len(rules)+1)
	for _, r := range rules {
		if aws.ToString(r.ID) != s.ruleID() {
			merged = append(merged, r)
			continue
		}
		if sameExpiry(r, want) {
			return nil
		}
	}
	merged = append(merged, want)

	_, err = s.api.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: merged},
	})
	if err != nil {
		return fmt.Errorf("setting lifecycle of s3://%s: %w", s.bucket, err)
	}
	return nil
}

func sameExpiry(have, want types.LifecycleRule) bool {
	if have.Status != want.Status || have.Expiration == nil || have.Filter == nil {
		return false
	}
	if aws.ToInt32(have.Expiration.Days) != aws.ToInt32(want.Expiration.Days) {
		return false
	}
	if want.Filter.And != nil {
		return have.Filter.And != nil && aws.ToString(have.Filter.And.Prefix) == aws.ToString(want.Filter.And.Prefix)
	}
	return have.Filter.Tag != nil && aws.ToString(have.Filter.Tag.Value) == aws.ToString(want.Filter.Tag.Value)
}
