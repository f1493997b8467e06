package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. Connections that are not
// configured stay nil.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	Kafka    sarama.SyncProducer
	cfg      Config
}

// NewResources builds all external dependencies using the provided
// configuration.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{cfg: cfg}

	if cfg.StoreBackend == BackendPostgres {
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		res.Postgres = pool
	}

	if cfg.RedisAddr != "" {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if cfg.ObjectEndpoint != "" {
		objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = objectClient
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, KafkaProducerConfig(cfg.AppName))
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		res.Kafka = producer
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}

	return res, nil
}

// KafkaProducerConfig returns the producer settings used for the change feed.
// A SyncProducer requires Return.Successes.
func KafkaProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// HealthCheck verifies that all dependency pools are healthy.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres healthcheck failed: %w", err))
		}
	}

	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis healthcheck failed: %w", err))
		}
	}

	// MinIO/S3 doesn't expose a ping, so we attempt to stat the configured bucket.
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			errs = append(errs, fmt.Errorf("object storage healthcheck failed: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Kafka != nil {
		_ = r.Kafka.Close()
		r.Kafka = nil
	}
	if r.Postgres != nil {
		r.Postgres.Close()
		r.Postgres = nil
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
		r.Redis = nil
	}
}
