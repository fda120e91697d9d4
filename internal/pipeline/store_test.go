package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 is an in-memory s3API. Listing pages hold at most pageSize keys.
type mockS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     []*s3.PutObjectInput
	deletes  int
	pageSize int
	putErr   error

	lifecycle     []types.LifecycleRule
	lifecyclePuts int
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, pageSize: 2}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := m.objects[key]; ok {
			return nil, errors.New("PreconditionFailed")
		}
	}
	m.objects[key] = body
	m.puts = append(m.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		fmt.Sscanf(*in.ContinuationToken, "%d", &start)
	}
	end := min(start+m.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprint(end))
	}
	return out, nil
}

func (m *mockS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	for _, o := range in.Delete.Objects {
		delete(m.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3) GetBucketLifecycleConfiguration(_ context.Context, _ *s3.GetBucketLifecycleConfigurationInput, _ ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifecycle == nil {
		return nil, &smithy.GenericAPIError{Code: "NoSuchLifecycleConfiguration", Message: "The lifecycle configuration does not exist"}
	}
	return &s3.GetBucketLifecycleConfigurationOutput{Rules: m.lifecycle}, nil
}

func (m *mockS3) PutBucketLifecycleConfiguration(_ context.Context, in *s3.PutBucketLifecycleConfigurationInput, _ ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecyclePuts++
	m.lifecycle = in.LifecycleConfiguration.Rules
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func TestS3Store_PutArtifact(t *testing.T) {
	t.Parallel()

	src := writeFile(t, "report.html", "<html></html>")
	api := newMockS3()
	store := NewArtifactStore(api, "ci-artifacts", "test-results", 30)

	require.NoError(t, store.Put(context.Background(), "42/report.html", src))

	require.Len(t, api.puts, 1)
	in := api.puts[0]
	assert.Equal(t, "ci-artifacts", aws.ToString(in.Bucket))
	assert.Equal(t, "test-results/42/report.html", aws.ToString(in.Key))
	assert.Equal(t, "text/html; charset=utf-8", aws.ToString(in.ContentType))
	assert.Equal(t, "*", aws.ToString(in.IfNoneMatch))
	assert.Equal(t, "retention-days=30", aws.ToString(in.Tagging))
	assert.Nil(t, in.Expires, "Expires is a cache header and deletes nothing")
	assert.Equal(t, "<html></html>", string(api.objects["test-results/42/report.html"]))

	err := store.Put(context.Background(), "42/report.html", src)
	require.Error(t, err, "artifacts are immutable")
	assert.Equal(t, "s3://ci-artifacts/test-results", store.Location())
}

func TestS3Store_SiteOverwritesWithoutExpiry(t *testing.T) {
	t.Parallel()

	src := writeFile(t, "report.html", "v1")
	api := newMockS3()
	store := NewSiteStore(api, "site", "")

	require.NoError(t, store.Put(context.Background(), SiteIndex, src))
	require.NoError(t, store.Put(context.Background(), SiteIndex, src))

	for _, in := range api.puts {
		assert.Nil(t, in.Expires)
		assert.Nil(t, in.Tagging)
		assert.Nil(t, in.IfNoneMatch)
		assert.Equal(t, SiteIndex, aws.ToString(in.Key))
	}
}

func TestS3Store_EnforceRetention(t *testing.T) {
	t.Parallel()

	api := newMockS3()
	other := types.LifecycleRule{ID: aws.String("logs"), Status: types.ExpirationStatusEnabled}
	api.lifecycle = []types.LifecycleRule{other}

	store := NewArtifactStore(api, "ci-artifacts", "test-results", 30)
	require.NoError(t, store.EnforceRetention(context.Background()))

	require.Len(t, api.lifecycle, 2)
	assert.Equal(t, other, api.lifecycle[0], "rules for other prefixes are kept")
	rule := api.lifecycle[1]
	assert.Equal(t, "employeest-retention/test-results", aws.ToString(rule.ID))
	assert.Equal(t, types.ExpirationStatusEnabled, rule.Status)
	assert.Equal(t, int32(30), aws.ToInt32(rule.Expiration.Days))
	require.NotNil(t, rule.Filter.And)
	assert.Equal(t, "test-results/", aws.ToString(rule.Filter.And.Prefix))
	require.Len(t, rule.Filter.And.Tags, 1)
	assert.Equal(t, "retention-days", aws.ToString(rule.Filter.And.Tags[0].Key))
	assert.Equal(t, "30", aws.ToString(rule.Filter.And.Tags[0].Value))

	require.NoError(t, store.EnforceRetention(context.Background()))
	assert.Equal(t, 1, api.lifecyclePuts, "an identical rule is not rewritten")

	longer := NewArtifactStore(api, "ci-artifacts", "test-results", 90)
	require.NoError(t, longer.EnforceRetention(context.Background()))
	assert.Equal(t, 2, api.lifecyclePuts)
	require.Len(t, api.lifecycle, 2)
	assert.Equal(t, int32(90), aws.ToInt32(api.lifecycle[1].Expiration.Days))
}

func TestS3Store_EnforceRetention_NoPrefixOrWindow(t *testing.T) {
	t.Parallel()

	api := newMockS3()
	require.NoError(t, NewArtifactStore(api, "b", "", 7).EnforceRetention(context.Background()))
	require.Len(t, api.lifecycle, 1)
	filter := api.lifecycle[0].Filter
	assert.Nil(t, filter.And)
	require.NotNil(t, filter.Tag)
	assert.Equal(t, "7", aws.ToString(filter.Tag.Value))

	unbounded := newMockS3()
	require.NoError(t, NewArtifactStore(unbounded, "b", "", 0).EnforceRetention(context.Background()))
	require.NoError(t, NewSiteStore(unbounded, "b", "").EnforceRetention(context.Background()))
	assert.Zero(t, unbounded.lifecyclePuts)
}

func TestS3Store_ClearPaginatesUnderPrefix(t *testing.T) {
	t.Parallel()

	api := newMockS3()
	for _, k := range []string{"reports/a", "reports/b", "reports/c/d", "reports/e", "other/x"} {
		api.objects[k] = []byte("x")
	}

	store := NewSiteStore(api, "site", "reports")
	require.NoError(t, store.Clear(context.Background()))

	assert.Equal(t, map[string][]byte{"other/x": []byte("x")}, api.objects)
	assert.Equal(t, 1, api.deletes)
}

func TestS3Store_PutError(t *testing.T) {
	t.Parallel()

	api := newMockS3()
	api.putErr = errors.New("access denied")
	store := NewArtifactStore(api, "b", "", 0)

	err := store.Put(context.Background(), "k", writeFile(t, "f", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	err = store.Put(context.Background(), "k", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestLocalStore(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "artifacts")
	src := writeFile(t, "results.json", "{}")
	store := &LocalStore{Root: root}

	require.NoError(t, store.Put(context.Background(), "42/results.json", src))
	data, err := os.ReadFile(filepath.Join(root, "42", "results.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	err = store.Put(context.Background(), "42/results.json", src)
	assert.ErrorIs(t, err, ErrObjectExists)

	store.Overwrite = true
	assert.NoError(t, store.Put(context.Background(), "42/results.json", src))

	require.NoError(t, store.Clear(context.Background()))
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, root, "clear keeps the root itself")

	missing := &LocalStore{Root: filepath.Join(t.TempDir(), "never-created")}
	assert.NoError(t, missing.Clear(context.Background()))
}

func TestLocalStore_EnforceRetention(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for run, age := range map[string]time.Duration{
		"old":    31 * 24 * time.Hour,
		"recent": 29 * 24 * time.Hour,
	} {
		dir := filepath.Join(root, run)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "report.html"), []byte("x"), 0o644))
		stamp := now.Add(-age)
		require.NoError(t, os.Chtimes(dir, stamp, stamp))
	}

	store := &LocalStore{Root: root, RetentionDays: 30, now: func() time.Time { return now }}
	require.NoError(t, store.EnforceRetention(context.Background()))

	assert.NoDirExists(t, filepath.Join(root, "old"))
	assert.DirExists(t, filepath.Join(root, "recent"))

	store.RetentionDays = 0
	store.now = func() time.Time { return now.AddDate(1, 0, 0) }
	require.NoError(t, store.EnforceRetention(context.Background()))
	assert.DirExists(t, filepath.Join(root, "recent"), "no window keeps everything")

	missing := &LocalStore{Root: filepath.Join(root, "never-created"), RetentionDays: 1}
	assert.NoError(t, missing.EnforceRetention(context.Background()))
}
