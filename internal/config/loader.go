package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/maestrohq/maestro/internal/build"
)

// Load creates a new configuration by instantiating a ConfigLoader with
// the provided options and then invoking its Load method.
func Load(opts ...ConfigLoaderOption) (*Config, error) {
	loader := NewConfigLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ConfigLoader is responsible for reading and merging configuration from
// various sources. The internal mutex ensures thread-safety when loading
// the configuration.
type ConfigLoader struct {
	lock       sync.Mutex
	configFile string   // Optional explicit path to the configuration file.
	dotenvFile string   // Optional explicit path to a dotenv file.
	warnings   []string // Collected warnings during configuration resolution.
}

// ConfigLoaderOption defines a functional option for configuring a ConfigLoader.
type ConfigLoaderOption func(*ConfigLoader)

// WithConfigFile returns a ConfigLoaderOption that sets the configuration file path.
func WithConfigFile(configFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.configFile = configFile
	}
}

// WithDotenvFile returns a ConfigLoaderOption that sets an explicit dotenv file.
func WithDotenvFile(dotenvFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.dotenvFile = dotenvFile
	}
}

// NewConfigLoader creates a new ConfigLoader instance and applies all given options.
func NewConfigLoader(options ...ConfigLoaderOption) *ConfigLoader {
	loader := &ConfigLoader{}
	for _, option := range options {
		option(loader)
	}
	return loader
}

// Load initializes viper, reads the configuration file and environment,
// and returns a fully built and validated Config instance.
func (l *ConfigLoader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.loadDotenv()
	l.setupViper()

	// Attempt to read the main config file. If not found, proceed without error.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := viper.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	cfg.Warnings = l.warnings
	cfg.Global.ConfigPath = viper.ConfigFileUsed()

	return cfg, nil
}

// loadDotenv loads environment variables from a dotenv file. An explicit
// file must exist; the conventional ".env" is loaded only when present.
func (l *ConfigLoader) loadDotenv() {
	if l.dotenvFile != "" {
		if err := godotenv.Overload(l.dotenvFile); err != nil {
			l.warnings = append(l.warnings, fmt.Sprintf("dotenv %s not loaded: %v", l.dotenvFile, err))
		}
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			l.warnings = append(l.warnings, fmt.Sprintf(".env not loaded: %v", err))
		}
	}
}

// setupViper configures viper's file location, environment binding, and defaults.
func (l *ConfigLoader) setupViper() {
	if l.configFile == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/" + build.Slug)
		viper.SetConfigName("config")
	} else {
		viper.SetConfigFile(l.configFile)
	}
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(strings.ToUpper(build.Slug))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	l.bindEnvironmentVariables()
	l.setDefaultValues()
}

// setDefaultValues establishes the default configuration values.
func (l *ConfigLoader) setDefaultValues() {
	// Server settings
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 8700)
	viper.SetDefault("debug", false)
	viper.SetDefault("logFormat", "text")

	// Failover settings
	viper.SetDefault("master.heartbeatInterval", 5)
	viper.SetDefault("master.timeout", 15)

	// Response cache
	viper.SetDefault("cache.ttlSeconds", 3600)
	viper.SetDefault("cache.maxEntries", 1000)
	viper.SetDefault("cache.backend", "memory")

	// Context selection
	viper.SetDefault("context.maxMessages", 10)

	// Model provider
	viper.SetDefault("llm.provider", "local")
	viper.SetDefault("llm.timeoutSeconds", 120)
	viper.SetDefault("llm.maxRetries", 2)

	// Worker supervision
	viper.SetDefault("workers.freshnessSeconds", 30)
	viper.SetDefault("workers.cpuThreshold", 80)
	viper.SetDefault("workers.memoryThreshold", 90)
	viper.SetDefault("workers.maxRetries", 3)
	viper.SetDefault("workers.stepTimeoutSeconds", 120)
	viper.SetDefault("workers.sweepSeconds", 5)

	// Queue
	viper.SetDefault("queue.maxSize", 1000)
}

// bindEnvironmentVariables binds configuration keys to environment
// variables. Each key is bound twice: once under the app prefix and once
// under the bare name the original deployment used.
func (l *ConfigLoader) bindEnvironmentVariables() {
	l.bindEnv("logFormat", "LOG_FORMAT")
	l.bindEnv("host", "HOST")
	l.bindEnv("port", "PORT")
	l.bindEnv("debug", "DEBUG")
	l.bindEnv("dsn", "DSN")
	l.bindEnv("dsn", "DATABASE_URL")

	l.bindEnv("master.id", "MASTER_ID")
	l.bindEnv("master.heartbeatInterval", "MASTER_HEARTBEAT_INTERVAL")
	l.bindEnv("master.timeout", "MASTER_TIMEOUT")
	l.bindEnv("master.failoverEnabled", "ENABLE_MASTER_FAILOVER")

	l.bindEnv("cache.ttlSeconds", "TTL_SECONDS")
	l.bindEnv("cache.maxEntries", "MAX_ENTRIES")
	l.bindEnv("cache.backend", "CACHE_BACKEND")
	l.bindEnv("cache.redisAddr", "REDIS_ADDR")
	l.bindEnv("cache.redisPassword", "REDIS_PASSWORD")
	l.bindEnv("cache.redisDB", "REDIS_DB")

	l.bindEnv("context.enabled", "ENABLE_CONTEXT_ENGINE")
	l.bindEnv("context.maxMessages", "MAX_CONTEXT_MESSAGES")

	l.bindEnv("llm.provider", "LLM_PROVIDER")
	l.bindEnv("llm.baseURL", "LLM_BASE_URL")
	l.bindEnv("llm.apiKey", "LLM_API_KEY")
	l.bindEnv("llm.model", "LLM_MODEL")

	l.bindEnv("workers.freshnessSeconds", "WORKER_FRESHNESS_SECONDS")
	l.bindEnv("workers.cpuThreshold", "WORKER_CPU_THRESHOLD")
	l.bindEnv("workers.memoryThreshold", "WORKER_MEMORY_THRESHOLD")
	l.bindEnv("workers.maxRetries", "MAX_RETRIES")
	l.bindEnv("workers.stepTimeoutSeconds", "STEP_TIMEOUT_SECONDS")

	l.bindEnv("queue.maxSize", "QUEUE_MAX_SIZE")
}

// bindEnv binds key to both the prefixed and the bare environment name.
func (l *ConfigLoader) bindEnv(key, env string) {
	prefix := strings.ToUpper(build.Slug) + "_"
	_ = viper.BindEnv(key, prefix+env, env)
}

// buildConfig transforms the intermediate Definition into a final Config.
func (l *ConfigLoader) buildConfig(def Definition) (*Config, error) {
	var cfg Config

	cfg.Global = Global{
		Debug:     def.Debug,
		LogFormat: def.LogFormat,
		TZ:        def.TZ,
	}
	cfg.Server = Server{
		Host: def.Host,
		Port: def.Port,
	}
	cfg.Database = Database{DSN: def.DSN}

	if def.Master != nil {
		cfg.Master = Master{
			ID:                def.Master.ID,
			HeartbeatInterval: seconds(def.Master.HeartbeatInterval),
			Timeout:           seconds(def.Master.Timeout),
		}
		if def.Master.FailoverEnabled != nil {
			cfg.Master.FailoverEnabled = *def.Master.FailoverEnabled
		}
	}
	if cfg.Master.ID == "" {
		cfg.Master.ID = defaultMasterID()
	}

	if def.Cache != nil {
		cfg.Cache = Cache{
			TTL:           seconds(def.Cache.TTLSeconds),
			MaxEntries:    def.Cache.MaxEntries,
			Backend:       def.Cache.Backend,
			RedisAddr:     def.Cache.RedisAddr,
			RedisPassword: def.Cache.RedisPassword,
			RedisDB:       def.Cache.RedisDB,
		}
	}

	cfg.Context = Context{
		Enabled:           true,
		MaxMessages:       10,
		ReferenceKeywords: DefaultReferenceKeywords,
	}
	if def.Context != nil {
		if def.Context.Enabled != nil {
			cfg.Context.Enabled = *def.Context.Enabled
		}
		if def.Context.MaxMessages > 0 {
			cfg.Context.MaxMessages = def.Context.MaxMessages
		}
		if len(def.Context.ReferenceKeywords) > 0 {
			cfg.Context.ReferenceKeywords = def.Context.ReferenceKeywords
		}
	}

	if def.LLM != nil {
		cfg.LLM = LLM{
			Provider:   def.LLM.Provider,
			BaseURL:    def.LLM.BaseURL,
			APIKey:     def.LLM.APIKey,
			Model:      def.LLM.Model,
			Timeout:    seconds(def.LLM.TimeoutSeconds),
			MaxRetries: def.LLM.MaxRetries,
		}
	}

	if def.Workers != nil {
		cfg.Workers = Workers{
			Freshness:       seconds(def.Workers.FreshnessSeconds),
			CPUThreshold:    def.Workers.CPUThreshold,
			MemoryThreshold: def.Workers.MemoryThreshold,
			MaxRetries:      def.Workers.MaxRetries,
			StepTimeout:     seconds(def.Workers.StepTimeoutSeconds),
			SweepInterval:   seconds(def.Workers.SweepSeconds),
		}
	}

	if def.Queue != nil {
		cfg.Queue = Queue{MaxSize: def.Queue.MaxSize}
	}

	if err := l.validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// validateConfig performs basic validation on the configuration.
func (l *ConfigLoader) validateConfig(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", cfg.Server.Port)
	}
	if cfg.Master.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid master heartbeat interval: %v", cfg.Master.HeartbeatInterval)
	}
	if cfg.Master.Timeout < cfg.Master.HeartbeatInterval {
		return fmt.Errorf("master timeout %v must not be shorter than the heartbeat interval %v",
			cfg.Master.Timeout, cfg.Master.HeartbeatInterval)
	}
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("invalid cache max entries: %d", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.Backend != "memory" && cfg.Cache.Backend != "redis" {
		return fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("cache backend redis requires a redis address")
	}
	if cfg.Workers.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", cfg.Workers.MaxRetries)
	}
	if cfg.Queue.MaxSize < 1 {
		return fmt.Errorf("invalid queue max size: %d", cfg.Queue.MaxSize)
	}
	return nil
}

// defaultMasterID derives a stable-enough replica identity from the host
// name plus a random suffix for the rare case of twin hostnames.
func defaultMasterID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "master"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
