// Package config はアプリケーションの設定を管理します
// デフォルト値 → YAMLファイル（CONFIG_FILE）→ 環境変数 の順に上書きして読み込みます
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIAddr        = ":3000"          // APIサーバーのデフォルトリッスンアドレス
	defaultStoreBackend   = BackendRedis     // デフォルトの永続ストア
	defaultRedisAddr      = "localhost:6379" // Redisのデフォルト接続先
	defaultHistoryLimit   = 50               // 入室時に再生する履歴件数
	defaultStoreTimeout   = 5 * time.Second  // ストア呼び出し1回あたりのタイムアウト
	defaultMaxMessageSize = 4096             // 受信メッセージの最大サイズ（バイト）
	defaultRatePerSec     = 5                // 1接続あたりの受信レート（件/秒）
	defaultRateBurst      = 10               // 受信レートのバースト
	defaultSendBuffer     = 256              // 1接続あたりの送信キュー長
	defaultBotName        = "ChatBot"        // システムメッセージの送信者名
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// ストアの種類
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
}

// Config はアプリケーションの設定を保持します
// 起動時に一度だけ読み込み、以降は変更しません
type Config struct {
	APIAddr             string        `yaml:"api_addr"`               // APIサーバーのリッスンアドレス
	StoreBackend        string        `yaml:"store_backend"`          // 永続ストア（redis / postgres / memory）
	RedisAddr           string        `yaml:"redis_addr"`             // Redisの接続先
	RedisPassword       string        `yaml:"redis_password"`         // Redisのパスワード
	RedisDB             int           `yaml:"redis_db"`               // RedisのDB番号
	DatabaseURL         string        `yaml:"database_url"`           // PostgreSQLの接続文字列
	HistoryLimit        int           `yaml:"history_limit"`          // 入室時に再生する履歴件数
	HistoryMaxLen       int           `yaml:"history_max_len"`        // ルームごとの保持件数上限（0 は無制限）
	RoomTTL             int           `yaml:"room_ttl_sec"`           // ルームのTTL（秒、0 は無期限）
	StoreTimeout        time.Duration `yaml:"store_timeout"`          // ストア呼び出しのタイムアウト
	AllowedOrigin       []string      `yaml:"allowed_origins"`        // CORS・WebSocketで許可するオリジン一覧
	MaxMessageSize      int64         `yaml:"max_message_size"`       // 受信メッセージの最大サイズ
	RateLimitPerSec     float64       `yaml:"rate_limit_per_sec"`     // 1接続あたりの受信レート
	RateLimitBurst      int           `yaml:"rate_limit_burst"`       // 受信レートのバースト
	SendBuffer          int           `yaml:"send_buffer"`            // 1接続あたりの送信キュー長
	BotName             string        `yaml:"bot_name"`               // システムメッセージの送信者名
	LogLevel            string        `yaml:"log_level"`              // debug / info / warn / error
	LogFormat           string        `yaml:"log_format"`             // text / json
	ResetMembersOnStart bool          `yaml:"reset_members_on_start"` // 起動時に残っている参加者レコードを削除する
}

// Default はデフォルト値だけを設定したConfigを返します
func Default() Config {
	return Config{
		APIAddr:             defaultAPIAddr,
		StoreBackend:        defaultStoreBackend,
		RedisAddr:           defaultRedisAddr,
		HistoryLimit:        defaultHistoryLimit,
		StoreTimeout:        defaultStoreTimeout,
		AllowedOrigin:       defaultAllowedOrigins,
		MaxMessageSize:      defaultMaxMessageSize,
		RateLimitPerSec:     defaultRatePerSec,
		RateLimitBurst:      defaultRateBurst,
		SendBuffer:          defaultSendBuffer,
		BotName:             defaultBotName,
		LogLevel:            defaultLogLevel,
		LogFormat:           defaultLogFormat,
		ResetMembersOnStart: true,
	}
}

// Load は設定を読み込みます
// .env があれば先に環境変数へ反映します（既存の環境変数は上書きしない）
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile はYAMLファイルの値でcfgを上書きします
func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数の値でcfgを上書きします
func applyEnv(cfg *Config) {
	// PORT だけが指定されている場合もリッスンアドレスに反映する
	if port := os.Getenv("PORT"); port != "" && os.Getenv("API_ADDR") == "" {
		cfg.APIAddr = ":" + port
	}
	cfg.APIAddr = envOr("API_ADDR", cfg.APIAddr)
	cfg.StoreBackend = strings.ToLower(envOr("STORE_BACKEND", cfg.StoreBackend))
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.HistoryLimit = envInt("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.HistoryMaxLen = envInt("HISTORY_MAX_LEN", cfg.HistoryMaxLen)
	cfg.RoomTTL = envInt("ROOM_TTL_SEC", cfg.RoomTTL)
	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.AllowedOrigin = envCSV("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigin)
	cfg.MaxMessageSize = int64(envInt("MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.RateLimitPerSec = envFloat("RATE_LIMIT_PER_SEC", cfg.RateLimitPerSec)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.SendBuffer = envInt("SEND_BUFFER", cfg.SendBuffer)
	cfg.BotName = envOr("BOT_NAME", cfg.BotName)
	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", cfg.LogFormat))
	cfg.ResetMembersOnStart = envBool("RESET_MEMBERS_ON_START", cfg.ResetMembersOnStart)
}

// Validate は設定値の整合性を確認します
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR required for redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL required for postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}
	if c.APIAddr == "" {
		return errors.New("API_ADDR required")
	}
	if c.HistoryLimit < 0 || c.HistoryMaxLen < 0 || c.RoomTTL < 0 {
		return errors.New("HISTORY_LIMIT, HISTORY_MAX_LEN and ROOM_TTL_SEC must not be negative")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	if strings.TrimSpace(c.BotName) == "" {
		return errors.New("BOT_NAME required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// RoomTTLDuration はルームのTTLをtime.Durationで返します
func (c Config) RoomTTLDuration() time.Duration {
	return time.Duration(c.RoomTTL) * time.Second
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
			return def
		}
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid number in environment, using default", "key", key, "value", v, "default", def)
			return def
		}
		return f
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean in environment, using default", "key", key, "value", v, "default", def)
			return def
		}
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration in environment, using default", "key", key, "value", v, "default", def)
			return def
		}
		return d
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
