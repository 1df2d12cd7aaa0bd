package persistence

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind names a persistence backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindBolt     Kind = "bolt"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
	KindS3       Kind = "s3"
)

// Target is a parsed persistence target.
type Target struct {
	Kind Kind
	// Path is the bbolt directory.
	Path string
	// URL is the connection string for postgres and redis.
	URL string
	// S3 holds bucket, prefix and endpoint settings; credentials are filled by the caller.
	S3 S3Config
}

// ErrNoTarget is returned for an empty target string.
var ErrNoTarget = errors.New("persistence: no target")

// ParseTarget parses memory:, bolt://<dir>, postgres://..., redis://..., s3://bucket/prefix
// or a bare directory path.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, ErrNoTarget
	}

	switch {
	case raw == "memory" || raw == "memory:":
		return Target{Kind: KindMemory}, nil
	case strings.HasPrefix(raw, "bolt://"):
		p := strings.TrimPrefix(raw, "bolt://")
		if p == "" {
			return Target{}, fmt.Errorf("persistence: empty bolt path in %q", raw)
		}
		return Target{Kind: KindBolt, Path: p}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Target{Kind: KindPostgres, URL: raw}, nil
	case strings.HasPrefix(raw, "redis://"), strings.HasPrefix(raw, "rediss://"):
		return Target{Kind: KindRedis, URL: raw}, nil
	case strings.HasPrefix(raw, "s3://"):
		return parseS3Target(raw)
	case strings.Contains(raw, "://"):
		return Target{}, fmt.Errorf("persistence: unsupported target %q", raw)
	default:
		return Target{Kind: KindBolt, Path: raw}, nil
	}
}

func parseS3Target(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("persistence: parse s3 target: %w", err)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("persistence: missing bucket in %q", raw)
	}

	q := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   q.Get("region"),
		Endpoint: q.Get("endpoint"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if v := q.Get("path_style"); v != "" {
		ps, err := strconv.ParseBool(v)
		if err != nil {
			return Target{}, fmt.Errorf("persistence: invalid path_style %q", v)
		}
		cfg.PathStyle = ps
	}
	return Target{Kind: KindS3, S3: cfg}, nil
}
