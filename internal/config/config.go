package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数（と.envファイル、パイプライン設定ファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database。空の場合はメモリストアで動作する
	DatabaseURL string

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// Fetch
	FetchMaxSize   int64
	FetchUserAgent string

	// Sweep
	DefaultInterval time.Duration // フィード個別の巡回間隔が未設定の場合の既定値
	DefaultTZOffset time.Duration // タイムゾーン表記のない日時に適用するオフセット

	// Cron
	CronSchedule string
	CronBudget   time.Duration

	// Archive
	ArchiveSchedule  string
	ArchiveAfterDays int

	// Rate Limit（手動トリガー、req/min/client）
	RateLimitTrigger int

	// Pipeline
	PipelineConfigPath string
	Pipeline           Pipeline
}

// Pipeline はYAMLファイルで与えるパイプラインの判定ルール。
// 既定のルールに追加される。
type Pipeline struct {
	UnreliableDateSources []string            `yaml:"unreliableDateSources"`
	ClickbaitPatterns     []string            `yaml:"clickbaitPatterns"`
	PressReleasePhrases   []string            `yaml:"pressReleasePhrases"`
	MinWordCount          int                 `yaml:"minWordCount"`
	Categories            map[string][]string `yaml:"categories"`
}

// Load は.envファイル、環境変数、パイプライン設定ファイルの順にConfigを読み込む。
// 既に設定されている環境変数は.envファイルで上書きされない。
// パイプライン設定ファイルが指定されていて読み込めない場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(getEnvString("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ServerPort = getEnvString("PORT", getEnvString("SERVER_PORT", "8080"))
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchUserAgent = getEnvString("FETCH_USER_AGENT", "feedpipe/1.0 (+https://github.com/hitoshi/feedpipe)")
	cfg.DefaultInterval = time.Duration(getEnvInt("DEFAULT_FETCH_INTERVAL_MINUTES", 60)) * time.Minute
	cfg.DefaultTZOffset = time.Duration(getEnvInt("DEFAULT_TZ_OFFSET_MINUTES", 330)) * time.Minute
	cfg.CronSchedule = getEnvString("CRON_SCHEDULE", "*/15 * * * *")
	cfg.CronBudget = getEnvDuration("CRON_BUDGET", 5*time.Minute)
	cfg.ArchiveSchedule = getEnvString("ARCHIVE_SCHEDULE", "@daily")
	cfg.ArchiveAfterDays = getEnvInt("ARCHIVE_AFTER_DAYS", 30)
	cfg.RateLimitTrigger = getEnvInt("RATE_LIMIT_TRIGGER", 30)
	cfg.PipelineConfigPath = os.Getenv("PIPELINE_CONFIG")

	if cfg.PipelineConfigPath != "" {
		p, err := LoadPipeline(cfg.PipelineConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline = p
	}
	cfg.applyPipelineEnvOverrides()

	if cfg.CronBudget <= 0 {
		return nil, fmt.Errorf("CRON_BUDGETは正の値である必要があります: %v", cfg.CronBudget)
	}
	if cfg.DefaultInterval <= 0 {
		return nil, fmt.Errorf("DEFAULT_FETCH_INTERVAL_MINUTESは正の値である必要があります")
	}

	return cfg, nil
}

// LoadPipeline はYAML形式のパイプライン設定ファイルを読み込む。
func LoadPipeline(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("パイプライン設定ファイルの読み込みに失敗しました %s: %w", path, err)
	}
	var p Pipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Pipeline{}, fmt.Errorf("パイプライン設定ファイルの解析に失敗しました %s: %w", path, err)
	}
	return p, nil
}

// applyPipelineEnvOverrides は環境変数が設定されている項目でファイルの値を置き換える。
func (c *Config) applyPipelineEnvOverrides() {
	if v := getEnvList("UNRELIABLE_DATE_SOURCES"); v != nil {
		c.Pipeline.UnreliableDateSources = v
	}
	if v := getEnvInt("MIN_WORD_COUNT", 0); v > 0 {
		c.Pipeline.MinWordCount = v
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を返す。未設定ならnil。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
