package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/archive"
	"jobvend/internal/config"
	"jobvend/internal/dedupe"
	"jobvend/internal/dvm"
	"jobvend/internal/ledger"
)

type resultArchive interface {
	dvm.Archive
	Get(ctx context.Context, jobID string) (archive.Object, error)
}

type workerStores struct {
	dedupe  dvm.Deduper
	ledger  dvm.Ledger
	archive resultArchive
	closers []io.Closer
}

func initStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*workerStores, error) {
	s := &workerStores{}

	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		r, err := dedupe.NewRedisFromURL(ctx, url, "jobvend", 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis dedupe: %w", err)
		}
		s.dedupe = r
		s.closers = append(s.closers, r)
		logger.Info("dedupe store: redis")
	} else {
		s.dedupe = dedupe.NewMemory(0)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := ledger.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ledger: %w", err)
		}
		s.ledger = pg
		s.closers = append(s.closers, pg)
		logger.Info("ledger store: postgres")
	} else {
		s.ledger = ledger.NewMemory()
	}

	if cfg.Artifact.Enabled {
		s3, err := archive.NewS3(archive.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize result archive: %w", err)
		}
		s.archive = s3
		logger.Info("result archive: s3", zap.String("bucket", cfg.Artifact.Bucket), zap.String("endpoint", cfg.Artifact.Endpoint))
	} else {
		s.archive = archive.NewMemory()
	}
	return s, nil
}
