package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

// redisTransport ships batches by RPUSHing JSON events onto a list.
// The whole batch goes through one MULTI/EXEC transaction, so either all
// records land on the list or none do.
type redisTransport struct {
	cfg    config.TransportConfig
	client *redis.Client
}

func newRedisTransport(cfg config.TransportConfig) *redisTransport {
	return &redisTransport{cfg: cfg}
}

func (t *redisTransport) Name() string {
	return label(t.cfg)
}

// Open creates the client and verifies the server is reachable.
func (t *redisTransport) Open(ctx context.Context) error {
	if t.client != nil {
		if err := t.client.Ping(ctx).Err(); err == nil {
			return nil
		}
		t.client.Close()
		t.client = nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     t.cfg.RedisAddr,
		Password: t.cfg.RedisPassword,
		DB:       t.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", t.cfg.RedisAddr, err)
	}

	t.client = client
	log.Info().
		Str("transport", t.Name()).
		Str("addr", t.cfg.RedisAddr).
		Str("key", t.cfg.RedisKey).
		Msg("Redis transport connected")
	return nil
}

func (t *redisTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	if t.client == nil {
		return domain.DeliveryResult{
			Status: domain.TransientFailure,
			Err:    fmt.Errorf("redis transport is not open"),
		}
	}

	payloads := make([]interface{}, 0, batch.Len())
	for _, rec := range batch.Records {
		data, err := encodeRecord(rec)
		if err != nil {
			return domain.DeliveryResult{Status: domain.PermanentFailure, Err: err}
		}
		payloads = append(payloads, data)
	}

	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, t.cfg.RedisKey, payloads...)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify(fmt.Errorf("redis rpush failed: %w", err))
	}

	return domain.DeliveryResult{Status: domain.Delivered}
}

func (t *redisTransport) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
