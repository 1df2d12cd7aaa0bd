package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/luce-labs/meerkat/cmd/internal/ids"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config selects the bucket and credentials for NewS3Client.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Client builds a client from static configuration. An empty endpoint uses AWS.
func NewS3Client(cfg S3Config) *s3.Client {
	creds := aws.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Source:          "meerkat",
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// S3Store keeps one object per update under <prefix><escaped name>/<ulid>.
// ULID keys list in append order.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	seq    *ids.Sequence
}

// NewS3Store constructs an S3-backed Store.
func NewS3Store(client S3API, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("persistence: nil s3 client")
	}
	if bucket == "" {
		return nil, errors.New("persistence: empty bucket")
	}
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, seq: ids.NewSequence()}, nil
}

// Close is a no-op; the SDK client holds no closable resources.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) docPrefix(name string) string {
	return s.prefix + url.PathEscape(name) + "/"
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// LoadUpdates fetches every object of name in key order.
func (s *S3Store) LoadUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	keys, err := s.listKeys(ctx, s.docPrefix(name))
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		body, err := io.ReadAll(obj.Body)
		_ = obj.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", key, err)
		}
		out = append(out, body)
	}
	return out, nil
}

func (s *S3Store) put(ctx context.Context, name string, data []byte) error {
	id, err := s.seq.Next(time.Now())
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.docPrefix(name) + id),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// AppendUpdate stores update as a new object.
func (s *S3Store) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.put(ctx, name, update)
}

// Compact writes state as a new object, then deletes the objects that existed before it.
// Objects appended concurrently survive; replaying them is harmless.
func (s *S3Store) Compact(ctx context.Context, name string, state []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	old, err := s.listKeys(ctx, s.docPrefix(name))
	if err != nil {
		return err
	}
	if err := s.put(ctx, name, state); err != nil {
		return err
	}

	const batch = 1000
	for len(old) > 0 {
		n := min(len(old), batch)
		objs := make([]types.ObjectIdentifier, 0, n)
		for _, key := range old[:n] {
			objs = append(objs, types.ObjectIdentifier{Key: aws.String(key)})
		}
		old = old[n:]

		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

// ListDocuments returns the document names found under the prefix.
func (s *S3Store) ListDocuments(ctx context.Context) ([]string, error) {
	keys, err := s.listKeys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, s.prefix)
		i := strings.IndexByte(rest, '/')
		if i <= 0 {
			continue
		}
		name, err := url.PathUnescape(rest[:i])
		if err != nil {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
