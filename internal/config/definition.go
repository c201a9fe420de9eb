package config

// Definition is the raw configuration shape viper unmarshals into before
// it is validated and converted into a Config. All duration-like values
// are plain seconds here so they can be supplied as bare numbers in YAML
// or environment variables.
type Definition struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"logFormat"`
	TZ        string `mapstructure:"tz"`

	DSN string `mapstructure:"dsn"`

	Master  *MasterDef  `mapstructure:"master"`
	Cache   *CacheDef   `mapstructure:"cache"`
	Context *ContextDef `mapstructure:"context"`
	LLM     *LLMDef     `mapstructure:"llm"`
	Workers *WorkersDef `mapstructure:"workers"`
	Queue   *QueueDef   `mapstructure:"queue"`
}

// MasterDef configures replica identity and failover.
type MasterDef struct {
	ID                string `mapstructure:"id"`
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"`
	Timeout           int    `mapstructure:"timeout"`
	FailoverEnabled   *bool  `mapstructure:"failoverEnabled"`
}

// CacheDef configures the response cache.
type CacheDef struct {
	TTLSeconds    int    `mapstructure:"ttlSeconds"`
	MaxEntries    int    `mapstructure:"maxEntries"`
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
}

// ContextDef configures the context selector.
type ContextDef struct {
	Enabled           *bool    `mapstructure:"enabled"`
	MaxMessages       int      `mapstructure:"maxMessages"`
	ReferenceKeywords []string `mapstructure:"referenceKeywords"`
}

// LLMDef configures the oracle / built-in model provider.
type LLMDef struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"baseURL"`
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	MaxRetries     int    `mapstructure:"maxRetries"`
}

// WorkersDef configures worker selection and supervision.
type WorkersDef struct {
	FreshnessSeconds   int     `mapstructure:"freshnessSeconds"`
	CPUThreshold       float64 `mapstructure:"cpuThreshold"`
	MemoryThreshold    float64 `mapstructure:"memoryThreshold"`
	MaxRetries         int     `mapstructure:"maxRetries"`
	StepTimeoutSeconds int     `mapstructure:"stepTimeoutSeconds"`
	SweepSeconds       int     `mapstructure:"sweepSeconds"`
}

// QueueDef configures the task queue.
type QueueDef struct {
	MaxSize int `mapstructure:"maxSize"`
}
