package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/luce-labs/meerkat/cmd/internal/persistence"
)

// openStore opens the persistence target named by cfg.Persistence. A nil store means
// persistence is disabled. The returned close func releases the store and its backend.
func openStore(ctx context.Context, cfg Config, log Logger) (persistence.Store, func(), error) {
	target, err := persistence.ParseTarget(cfg.Persistence)
	if errors.Is(err, persistence.ErrNoTarget) {
		log.Info("persistence.disabled")
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var (
		st      persistence.Store
		release = func() {}
	)

	switch target.Kind {
	case persistence.KindMemory:
		st = persistence.NewMemoryStore()

	case persistence.KindBolt:
		bs, err := persistence.OpenBoltStore(target.Path)
		if err != nil {
			return nil, nil, err
		}
		st = bs

	case persistence.KindPostgres:
		pool, err := NewDBPool(ctx, target.URL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		ps, err := persistence.NewPostgresStore(pool, persistence.WithSchema(cfg.DBSchema))
		if err == nil {
			err = ps.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = ps
		release = pool.Close

	case persistence.KindRedis:
		rs, err := persistence.OpenRedisStore(ctx, target.URL)
		if err != nil {
			return nil, nil, err
		}
		st = rs

	case persistence.KindS3:
		s3cfg := target.S3
		s3cfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		s3cfg.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		s3cfg.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
		ss, err := persistence.NewS3Store(persistence.NewS3Client(s3cfg), s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		st = ss

	default:
		return nil, nil, fmt.Errorf("persistence: unsupported kind %q", target.Kind)
	}

	log.Info("persistence.enabled", "kind", string(target.Kind))
	return st, func() {
		if err := st.Close(); err != nil {
			log.Error("persistence.close.fail", "err", err)
		}
		release()
	}, nil
}
