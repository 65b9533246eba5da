// Package config loads chatrelay settings from defaults, an optional YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
	"github.com/agentworkforce/chatrelay/internal/logging"
	"github.com/agentworkforce/chatrelay/internal/tracing"
)

const EnvPrefix = "CHATRELAY"

// legacyEnv maps config keys to the environment names older deployments used.
var legacyEnv = map[string]string{
	"completion.api_key":    "GPT_API_KEY",
	"completion.url":        "GPT_API_URL",
	"wechat.token":          "WECHAT_SIGNATURE_TOKEN",
	"cache.dsn":             "REDIS_URL",
	"replies.contact_phone": "CONTACT_PHONE",
	"store.dsn":             "DATABASE_URL",
	"client.base_url":       "CHATRELAY_BASE_URL",
	"client.admin_token":    "CHATRELAY_ADMIN_TOKEN",
}

type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	WeChat     WeChatConfig          `mapstructure:"wechat"`
	Store      StoreConfig           `mapstructure:"store"`
	Cache      CacheConfig           `mapstructure:"cache"`
	RetryQueue RetryQueueConfig      `mapstructure:"retry_queue"`
	Completion CompletionConfig      `mapstructure:"completion"`
	Chat       ChatConfig            `mapstructure:"chat"`
	Gate       chatrelay.Policy      `mapstructure:"gate"`
	Replies    httpapi.CannedReplies `mapstructure:"replies"`
	Admin      AdminConfig           `mapstructure:"admin"`
	Client     ClientConfig          `mapstructure:"client"`
	Log        logging.Config        `mapstructure:"log"`
	Tracing    tracing.Config        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	PublicBaseURL     string        `mapstructure:"public_base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	StreamTimeout     time.Duration `mapstructure:"stream_timeout"`
	StreamInterval    time.Duration `mapstructure:"stream_interval"`
	StreamAnyOrigin   bool          `mapstructure:"stream_any_origin"`
}

type WeChatConfig struct {
	Token         string `mapstructure:"token"`
	SkipSignature bool   `mapstructure:"skip_signature"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
	// Profile presets the store, cache and retry queue DSNs: "memory",
	// "durable-local" or "production". Empty uses the configured DSNs.
	Profile string `mapstructure:"profile"`
	DataDir string `mapstructure:"data_dir"`
}

type CacheConfig struct {
	DSN       string        `mapstructure:"dsn"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type RetryQueueConfig struct {
	DSN         string        `mapstructure:"dsn"`
	Capacity    int           `mapstructure:"capacity"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Workers     int           `mapstructure:"workers"`
}

type CompletionConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	AuthHeader  string        `mapstructure:"auth_header"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ChatConfig struct {
	SystemPrompt     string `mapstructure:"system_prompt"`
	// MaxHistoryTokens caps history below completion.max_tokens; zero
	// follows completion.max_tokens.
	MaxHistoryTokens int    `mapstructure:"max_history_tokens"`
	ClosureSentinel  string `mapstructure:"closure_sentinel"`
	// TokenizerModel selects the tiktoken encoding; empty counts runes.
	TokenizerModel string `mapstructure:"tokenizer_model"`
}

type AdminConfig struct {
	// JWTSecret signs admin bearer tokens. The admin routes are not served
	// without it.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ClientConfig is read by the fetch, message and retry commands.
type ClientConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AdminToken string `mapstructure:"admin_token"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			PublicBaseURL:     "http://localhost:8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimitRPS:      5,
			RateLimitBurst:    10,
			StreamTimeout:     time.Minute,
			StreamInterval:    time.Second,
		},
		Store:      StoreConfig{DSN: "sqlite://chatrelay.db", DataDir: ".chatrelay"},
		Cache:      CacheConfig{DSN: "memory://", TTL: chatrelay.DefaultCacheTTL, KeyPrefix: "chatrelay"},
		RetryQueue: RetryQueueConfig{DSN: "memory://", Capacity: 1024, Delay: 5 * time.Second, MaxAttempts: 2, Workers: 1},
		Completion: CompletionConfig{
			AuthHeader:  "api-key",
			Model:       "gpt-3.5-turbo",
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
		},
		Chat: ChatConfig{
			SystemPrompt:     "You are a helpful assistant.",
			MaxHistoryTokens: 0,
			ClosureSentinel:  "[END]",
			TokenizerModel:   "gpt-3.5-turbo",
		},
		Client:  ClientConfig{BaseURL: "http://127.0.0.1:8080"},
		Gate:    chatrelay.DefaultPolicy(),
		Replies: httpapi.DefaultCannedReplies(),
		Log:     logging.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.public_base_url", d.Server.PublicBaseURL)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.stream_timeout", d.Server.StreamTimeout)
	v.SetDefault("server.stream_interval", d.Server.StreamInterval)
	v.SetDefault("server.stream_any_origin", d.Server.StreamAnyOrigin)

	v.SetDefault("wechat.token", d.WeChat.Token)
	v.SetDefault("wechat.skip_signature", d.WeChat.SkipSignature)

	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.profile", d.Store.Profile)
	v.SetDefault("store.data_dir", d.Store.DataDir)

	v.SetDefault("cache.dsn", d.Cache.DSN)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)

	v.SetDefault("retry_queue.dsn", d.RetryQueue.DSN)
	v.SetDefault("retry_queue.capacity", d.RetryQueue.Capacity)
	v.SetDefault("retry_queue.delay", d.RetryQueue.Delay)
	v.SetDefault("retry_queue.max_attempts", d.RetryQueue.MaxAttempts)
	v.SetDefault("retry_queue.workers", d.RetryQueue.Workers)

	v.SetDefault("completion.url", d.Completion.URL)
	v.SetDefault("completion.api_key", d.Completion.APIKey)
	v.SetDefault("completion.auth_header", d.Completion.AuthHeader)
	v.SetDefault("completion.model", d.Completion.Model)
	v.SetDefault("completion.max_tokens", d.Completion.MaxTokens)
	v.SetDefault("completion.temperature", d.Completion.Temperature)
	v.SetDefault("completion.timeout", d.Completion.Timeout)
	v.SetDefault("completion.max_attempts", d.Completion.MaxAttempts)

	v.SetDefault("chat.system_prompt", d.Chat.SystemPrompt)
	v.SetDefault("chat.max_history_tokens", d.Chat.MaxHistoryTokens)
	v.SetDefault("chat.closure_sentinel", d.Chat.ClosureSentinel)
	v.SetDefault("chat.tokenizer_model", d.Chat.TokenizerModel)

	v.SetDefault("gate.poll_interval", d.Gate.PollInterval)
	v.SetDefault("gate.poll_budgets", d.Gate.PollBudgets)
	v.SetDefault("gate.owner_wait", d.Gate.OwnerWait)
	v.SetDefault("gate.link_after_attempt", d.Gate.LinkAfterAttempt)
	v.SetDefault("gate.completion_timeout", d.Gate.CompletionTimeout)
	v.SetDefault("gate.stale_after", d.Gate.StaleAfter)

	v.SetDefault("replies.welcome", d.Replies.Welcome)
	v.SetDefault("replies.deferred", d.Replies.Deferred)
	v.SetDefault("replies.unsupported", d.Replies.Unsupported)
	v.SetDefault("replies.contact_phone", d.Replies.ContactPhone)

	v.SetDefault("admin.jwt_secret", d.Admin.JWTSecret)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.admin_token", d.Client.AdminToken)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.sink", d.Log.Sink)

	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Loader owns the viper instance so a later Watch reloads the same sources.
type Loader struct {
	mu      sync.Mutex
	v       *viper.Viper
	file    string
	envFile string
}

type LoaderOptions struct {
	// ConfigFile is an explicit YAML path. When empty, ./chatrelay.yaml is
	// used if it exists.
	ConfigFile string
	// EnvFile defaults to .env; a missing file is ignored.
	EnvFile string
}

func NewLoader(opts LoaderOptions) *Loader {
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	return &Loader{v: viper.New(), file: strings.TrimSpace(opts.ConfigFile), envFile: envFile}
}

func Load(opts LoaderOptions) (Config, error) {
	return NewLoader(opts).Load()
}

func (l *Loader) Load() (Config, error) {
	cfg, err := l.Read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads every source like Load but skips validation, for commands that
// only need a few settings.
func (l *Loader) Read() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", l.envFile, err)
	}

	v := l.v
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if l.file != "" {
		v.SetConfigFile(l.file)
	} else {
		v.SetConfigName("chatrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) decode() (Config, error) {
	cfg, err := l.unmarshal()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFileUsed reports the YAML file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-decoded config each time the config file
// is written. Invalid edits are logged and ignored. Without a config file
// Watch is a no-op and returns false.
func (l *Loader) Watch(logger *slog.Logger, onChange func(Config)) bool {
	if l.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(event fsnotify.Event) {
		l.handleChange(event, logger, onChange)
	})
	l.v.WatchConfig()
	return true
}

func (l *Loader) handleChange(event fsnotify.Event, logger *slog.Logger, onChange func(Config)) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	l.mu.Lock()
	cfg, err := l.decode()
	l.mu.Unlock()
	if err != nil {
		logger.Warn("config reload rejected", "file", event.Name, "error", err)
		return
	}
	logger.Info("config reloaded", "file", event.Name)
	onChange(cfg)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if !c.WeChat.SkipSignature && strings.TrimSpace(c.WeChat.Token) == "" {
		return fmt.Errorf("wechat.token is required unless wechat.skip_signature is set")
	}
	if c.Completion.MaxTokens < 0 {
		return fmt.Errorf("completion.max_tokens must not be negative, got %d", c.Completion.MaxTokens)
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("completion.temperature must be between 0 and 2, got %v", c.Completion.Temperature)
	}
	if c.Chat.MaxHistoryTokens < 0 {
		return fmt.Errorf("chat.max_history_tokens must not be negative, got %d", c.Chat.MaxHistoryTokens)
	}
	for i, budget := range c.Gate.PollBudgets {
		if budget < 0 {
			return fmt.Errorf("gate.poll_budgets[%d] must not be negative, got %d", i, budget)
		}
	}
	if c.Gate.PollInterval < 0 || c.Gate.OwnerWait < 0 {
		return fmt.Errorf("gate durations must not be negative")
	}
	if c.RetryQueue.MaxAttempts < 0 {
		return fmt.Errorf("retry_queue.max_attempts must not be negative, got %d", c.RetryQueue.MaxAttempts)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// RequireCompletion checks the settings the serve path needs to call the model.
func (c Config) RequireCompletion() error {
	if strings.TrimSpace(c.Completion.URL) == "" {
		return fmt.Errorf("completion.url is required (CHATRELAY_COMPLETION_URL or GPT_API_URL)")
	}
	if strings.TrimSpace(c.Completion.APIKey) == "" {
		return fmt.Errorf("completion.api_key is required (CHATRELAY_COMPLETION_API_KEY or GPT_API_KEY)")
	}
	return nil
}

func (c Config) CompletionOptions() chatrelay.CompletionClientOptions {
	return chatrelay.CompletionClientOptions{
		URL:         c.Completion.URL,
		APIKey:      c.Completion.APIKey,
		AuthHeader:  c.Completion.AuthHeader,
		Model:       c.Completion.Model,
		MaxTokens:   c.Completion.MaxTokens,
		Temperature: c.Completion.Temperature,
		Timeout:     c.Completion.Timeout,
		MaxAttempts: c.Completion.MaxAttempts,
	}
}

func (c Config) CacheOptions() chatrelay.CacheOptions {
	return chatrelay.CacheOptions{TTL: c.Cache.TTL, KeyPrefix: c.Cache.KeyPrefix}
}

func (c Config) HTTPServerConfig(logger *slog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		SignatureToken:  c.WeChat.Token,
		SkipSignature:   c.WeChat.SkipSignature,
		JWTSecret:       c.Admin.JWTSecret,
		PublicBaseURL:   c.Server.PublicBaseURL,
		RateLimitRPS:    c.Server.RateLimitRPS,
		RateLimitBurst:  c.Server.RateLimitBurst,
		MaxBodyBytes:    c.Server.MaxBodyBytes,
		StreamTimeout:   c.Server.StreamTimeout,
		StreamInterval:  c.Server.StreamInterval,
		StreamAnyOrigin: c.Server.StreamAnyOrigin,
		Replies:         c.Replies,
		Logger:          logger,
	}
}
