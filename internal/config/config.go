package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// UpstreamConfig 定义上游临时邮箱服务（smtp.dev 风格 REST API）的连接配置
type UpstreamConfig struct {
	BaseURL         string        // 上游 API 根地址，如 "https://api.smtp.dev"
	APIKey          string        // X-API-KEY 请求头的值，必填
	Domain          string        // 创建新账户时使用的邮箱域名
	DefaultPassword string        // 新建账户的默认密码
	Timeout         time.Duration // 单次 HTTP 请求超时，默认 10s
	RateLimit       float64       // 每秒请求数上限（客户端侧限流），默认 5
	RateBurst       int           // 限流突发容量，默认 5
}

// PollConfig 定义邮件轮询的节奏配置
type PollConfig struct {
	Interval     time.Duration // 轮询间隔，默认 2s
	ErrorBackoff time.Duration // 出错后的退避时间，默认 5s
}

// FetchConfig 定义同步拉取接口的等待策略
type FetchConfig struct {
	WaitTimeout time.Duration // fetch-and-wait 总超时，默认 60s
	MaxChecks   int           // 轮询次数安全上限，0 表示不限制（仅受超时约束）
}

// SeenConfig 定义已读邮件 ID 存储的选择
type SeenConfig struct {
	Store string // 存储类型: "memory"（默认）或 "redis"
}

// RedisConfig 定义 Redis 服务配置（仅在 seen.store=redis 时使用）
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	Upstream UpstreamConfig // 上游邮件网关配置
	Poll     PollConfig     // 轮询配置
	Fetch    FetchConfig    // 同步拉取配置
	Seen     SeenConfig     // 已读 ID 存储配置
	Redis    RedisConfig    // Redis 配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_
// 例如: TEMPMAIL_UPSTREAM_BASE_URL, TEMPMAIL_UPSTREAM_API_KEY
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("tempmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("upstream.base_url", "")
	viper.SetDefault("upstream.api_key", "")
	viper.SetDefault("upstream.domain", "")
	viper.SetDefault("upstream.default_password", "")
	viper.SetDefault("upstream.timeout", "10s")
	viper.SetDefault("upstream.rate_limit", 5.0)
	viper.SetDefault("upstream.rate_burst", 5)
	viper.SetDefault("poll.interval", "2s")
	viper.SetDefault("poll.error_backoff", "5s")
	viper.SetDefault("fetch.wait_timeout", "60s")
	viper.SetDefault("fetch.max_checks", 0)
	viper.SetDefault("seen.store", "memory")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)

	baseURL := strings.TrimRight(viper.GetString("upstream.base_url"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream.base_url is required (TEMPMAIL_UPSTREAM_BASE_URL)")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream.base_url: %w", err)
	}

	apiKey := viper.GetString("upstream.api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("upstream.api_key is required (TEMPMAIL_UPSTREAM_API_KEY)")
	}

	domain := strings.ToLower(strings.TrimSpace(viper.GetString("upstream.domain")))
	if domain == "" {
		return nil, fmt.Errorf("upstream.domain is required (TEMPMAIL_UPSTREAM_DOMAIN)")
	}

	defaultPassword := viper.GetString("upstream.default_password")
	if defaultPassword == "" {
		return nil, fmt.Errorf("upstream.default_password is required (TEMPMAIL_UPSTREAM_DEFAULT_PASSWORD)")
	}

	upstreamTimeout, err := time.ParseDuration(viper.GetString("upstream.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream.timeout: %w", err)
	}

	pollInterval, err := time.ParseDuration(viper.GetString("poll.interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid poll.interval: %w", err)
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("poll.interval must be positive")
	}

	errorBackoff, err := time.ParseDuration(viper.GetString("poll.error_backoff"))
	if err != nil {
		return nil, fmt.Errorf("invalid poll.error_backoff: %w", err)
	}

	waitTimeout, err := time.ParseDuration(viper.GetString("fetch.wait_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid fetch.wait_timeout: %w", err)
	}

	maxChecks := viper.GetInt("fetch.max_checks")
	if maxChecks < 0 {
		maxChecks = 0
	}

	seenStore := strings.ToLower(viper.GetString("seen.store"))
	if seenStore != "memory" && seenStore != "redis" {
		return nil, fmt.Errorf("seen.store must be \"memory\" or \"redis\", got %q", seenStore)
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	rateLimit := viper.GetFloat64("upstream.rate_limit")
	if rateLimit <= 0 {
		rateLimit = 5.0
	}
	rateBurst := viper.GetInt("upstream.rate_burst")
	if rateBurst <= 0 {
		rateBurst = 5
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Upstream: UpstreamConfig{
			BaseURL:         baseURL,
			APIKey:          apiKey,
			Domain:          domain,
			DefaultPassword: defaultPassword,
			Timeout:         upstreamTimeout,
			RateLimit:       rateLimit,
			RateBurst:       rateBurst,
		},
		Poll: PollConfig{
			Interval:     pollInterval,
			ErrorBackoff: errorBackoff,
		},
		Fetch: FetchConfig{
			WaitTimeout: waitTimeout,
			MaxChecks:   maxChecks,
		},
		Seen: SeenConfig{
			Store: seenStore,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	// 尝试当前目录的 .env
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env（从子目录运行时）
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
