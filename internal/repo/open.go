package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/config"
	"github.com/redis/go-redis/v9"
)

// Open は設定に従って永続ストアを作成し、疎通確認まで行います
// 戻り値の io.Closer はプロセス終了時に閉じてください
func Open(ctx context.Context, cfg config.Config) (HistoryStore, io.Closer, error) {
	opts := Options{HistoryMaxLen: cfg.HistoryMaxLen, RoomTTL: cfg.RoomTTLDuration()}
	warnIgnoredOptions(cfg, slog.Default())

	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		store := NewRedisHistoryStore(rdb, opts)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, store, nil

	case config.BackendPostgres:
		pool, err := ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := NewPostgresHistoryStore(pool, opts)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store, nil

	case config.BackendMemory:
		return NewMemoryHistoryStore(opts), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StoreBackend)
}

// warnIgnoredOptions は選択したストアが対応していない設定を警告します
func warnIgnoredOptions(cfg config.Config, logger *slog.Logger) bool {
	if cfg.RoomTTL > 0 && cfg.StoreBackend != config.BackendRedis {
		logger.Warn("room TTL is only supported by the redis backend; ignoring",
			"backend", cfg.StoreBackend, "room_ttl_sec", cfg.RoomTTL)
		return true
	}
	return false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
