package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	OCR      OCRConfig      `json:"ocr"`
	Monitor  MonitorConfig  `json:"monitor"`
	Email    EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string  `json:"env"`              // 运行环境: local / prod
	LogLevel       string  `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string  `json:"http_addr"`        // API 服务监听地址
	MetricsAddr    string  `json:"metrics_addr"`     // 监控 worker 的 metrics 监听地址
	WorkerPoolSize int     `json:"worker_pool_size"` // Worker Pool 大小（并发批次数）
	QueueCapacity  int     `json:"queue_capacity"`   // 内存任务队列容量
	RateLimit      float64 `json:"rate_limit"`       // OCR API 限流速率（token/s）
	RateBurst      float64 `json:"rate_burst"`       // OCR API 限流桶容量
	DedupWindow    int     `json:"dedup_window"`     // 截图内容去重窗口（秒）
}

// DatabaseConfig 持久化存储配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// OCRConfig OCR API 客户端配置。
type OCRConfig struct {
	Endpoint   string        `json:"endpoint"`    // OCR API 地址
	APIKey     string        `json:"api_key"`     // API 密钥（必填）
	Language   string        `json:"language"`    // 识别语言
	Timeout    time.Duration `json:"timeout"`     // 单次请求超时
	MaxRetries int           `json:"max_retries"` // 失败重试次数
}

// MonitorConfig 监控状态机配置。
type MonitorConfig struct {
	StatusTransitionDelay  time.Duration `json:"status_transition_delay"`   // CHECKED → UNCHECKED 的等待时间
	StatusCheckInterval    time.Duration `json:"status_check_interval"`     // 生命周期检查间隔
	CleanupOldDataDays     int           `json:"cleanup_old_data_days"`     // 历史/变更/销售记录保留天数
	MaxScreenshotsPerBatch int           `json:"max_screenshots_per_batch"` // 单次提交最多截图数
	TxTimeout              time.Duration `json:"tx_timeout"`                // 存储事务超时
	JanitorInterval        time.Duration `json:"janitor_interval"`          // 卡住任务救援间隔
	JanitorTimeout         time.Duration `json:"janitor_timeout"`           // 任务被认定为卡住的阈值
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 变更/销售通知接收邮箱
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate 校验启动前必须满足的配置项。
//
// 配置错误属于致命错误，在启动阶段立即失败，不进入核心的运行时错误面。
func (c *Config) Validate() error {
	if c.OCR.APIKey == "" {
		return fmt.Errorf("ocr.api_key is required")
	}
	if c.OCR.Endpoint == "" {
		return fmt.Errorf("ocr.endpoint is required")
	}
	if c.Monitor.StatusTransitionDelay <= 0 {
		return fmt.Errorf("monitor.status_transition_delay must be positive, got %s", c.Monitor.StatusTransitionDelay)
	}
	if c.Monitor.StatusCheckInterval <= 0 {
		return fmt.Errorf("monitor.status_check_interval must be positive, got %s", c.Monitor.StatusCheckInterval)
	}
	if c.Monitor.CleanupOldDataDays <= 0 {
		return fmt.Errorf("monitor.cleanup_old_data_days must be positive, got %d", c.Monitor.CleanupOldDataDays)
	}
	if c.Monitor.MaxScreenshotsPerBatch <= 0 {
		return fmt.Errorf("monitor.max_screenshots_per_batch must be positive, got %d", c.Monitor.MaxScreenshotsPerBatch)
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8082",
			MetricsAddr:    ":2112",
			WorkerPoolSize: 4,
			QueueCapacity:  256,
			RateLimit:      2,
			RateBurst:      4,
			DedupWindow:    30,
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/stallwatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		OCR: OCRConfig{
			Endpoint:   "https://api.ocr.space/parse/image",
			APIKey:     "",
			Language:   "eng",
			Timeout:    20 * time.Second,
			MaxRetries: 2,
		},
		Monitor: MonitorConfig{
			StatusTransitionDelay:  10 * time.Minute,
			StatusCheckInterval:    1 * time.Minute,
			CleanupOldDataDays:     14,
			MaxScreenshotsPerBatch: 10,
			TxTimeout:              10 * time.Second,
			JanitorInterval:        1 * time.Minute,
			JanitorTimeout:         5 * time.Minute,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.OCR.Endpoint == "" {
		cfg.OCR.Endpoint = defaults.OCR.Endpoint
	}
	if cfg.OCR.Language == "" {
		cfg.OCR.Language = defaults.OCR.Language
	}
	if cfg.OCR.Timeout == 0 {
		cfg.OCR.Timeout = defaults.OCR.Timeout
	}
	if cfg.OCR.MaxRetries == 0 {
		cfg.OCR.MaxRetries = defaults.OCR.MaxRetries
	}
	if cfg.Monitor.StatusTransitionDelay == 0 {
		cfg.Monitor.StatusTransitionDelay = defaults.Monitor.StatusTransitionDelay
	}
	if cfg.Monitor.StatusCheckInterval == 0 {
		cfg.Monitor.StatusCheckInterval = defaults.Monitor.StatusCheckInterval
	}
	if cfg.Monitor.CleanupOldDataDays == 0 {
		cfg.Monitor.CleanupOldDataDays = defaults.Monitor.CleanupOldDataDays
	}
	if cfg.Monitor.MaxScreenshotsPerBatch == 0 {
		cfg.Monitor.MaxScreenshotsPerBatch = defaults.Monitor.MaxScreenshotsPerBatch
	}
	if cfg.Monitor.TxTimeout == 0 {
		cfg.Monitor.TxTimeout = defaults.Monitor.TxTimeout
	}
	if cfg.Monitor.JanitorInterval == 0 {
		cfg.Monitor.JanitorInterval = defaults.Monitor.JanitorInterval
	}
	if cfg.Monitor.JanitorTimeout == 0 {
		cfg.Monitor.JanitorTimeout = defaults.Monitor.JanitorTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("ocr_api_key", "OCR_API_KEY")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}

	if v := os.Getenv("MONITOR_STATUS_TRANSITION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.StatusTransitionDelay = d
		}
	}
	if v := os.Getenv("MONITOR_STATUS_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.StatusCheckInterval = d
		}
	}
	if v := os.Getenv("MONITOR_CLEANUP_OLD_DATA_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.CleanupOldDataDays = i
		}
	}
	if v := os.Getenv("MONITOR_MAX_SCREENSHOTS_PER_BATCH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.MaxScreenshotsPerBatch = i
		}
	}
	if v := os.Getenv("MONITOR_TX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.TxTimeout = d
		}
	}

	if v := os.Getenv("OCR_ENDPOINT"); v != "" {
		cfg.OCR.Endpoint = v
	}
	if v := viper.GetString("ocr_api_key"); v != "" {
		cfg.OCR.APIKey = v
	}
	if v := os.Getenv("OCR_LANGUAGE"); v != "" {
		cfg.OCR.Language = v
	}
	if v := os.Getenv("OCR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OCR.Timeout = d
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" &&
		(hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "stallwatch",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (m *MonitorConfig) UnmarshalJSON(data []byte) error {
	type Alias MonitorConfig
	aux := &struct {
		StatusTransitionDelay string `json:"status_transition_delay"`
		StatusCheckInterval   string `json:"status_check_interval"`
		TxTimeout             string `json:"tx_timeout"`
		JanitorInterval       string `json:"janitor_interval"`
		JanitorTimeout        string `json:"janitor_timeout"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	set := func(field *time.Duration, raw, name string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*field = d
		return nil
	}

	if err := set(&m.StatusTransitionDelay, aux.StatusTransitionDelay, "status_transition_delay"); err != nil {
		return err
	}
	if err := set(&m.StatusCheckInterval, aux.StatusCheckInterval, "status_check_interval"); err != nil {
		return err
	}
	if err := set(&m.TxTimeout, aux.TxTimeout, "tx_timeout"); err != nil {
		return err
	}
	if err := set(&m.JanitorInterval, aux.JanitorInterval, "janitor_interval"); err != nil {
		return err
	}
	return set(&m.JanitorTimeout, aux.JanitorTimeout, "janitor_timeout")
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (m MonitorConfig) MarshalJSON() ([]byte, error) {
	type Alias MonitorConfig
	return json.Marshal(&struct {
		StatusTransitionDelay string `json:"status_transition_delay"`
		StatusCheckInterval   string `json:"status_check_interval"`
		TxTimeout             string `json:"tx_timeout"`
		JanitorInterval       string `json:"janitor_interval"`
		JanitorTimeout        string `json:"janitor_timeout"`
		*Alias
	}{
		StatusTransitionDelay: m.StatusTransitionDelay.String(),
		StatusCheckInterval:   m.StatusCheckInterval.String(),
		TxTimeout:             m.TxTimeout.String(),
		JanitorInterval:       m.JanitorInterval.String(),
		JanitorTimeout:        m.JanitorTimeout.String(),
		Alias:                 (*Alias)(&m),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (o *OCRConfig) UnmarshalJSON(data []byte) error {
	type Alias OCRConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(o),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		o.Timeout = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (o OCRConfig) MarshalJSON() ([]byte, error) {
	type Alias OCRConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Timeout: o.Timeout.String(),
		Alias:   (*Alias)(&o),
	})
}
