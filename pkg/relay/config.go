package relay

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/relay/pkg/pipeline"
)

type Config struct {
	Pipeline       PipelineConfig      `mapstructure:"pipeline"`
	LLM            VendorConfig        `mapstructure:"llm"`
	Chain          ChainConfig         `mapstructure:"chain"`
	Resilience     ResilienceConfig    `mapstructure:"resilience"`
	Context        ContextConfig       `mapstructure:"context"`
	Transcript     TranscriptConfig    `mapstructure:"transcript"`
	Transport      VendorConfig        `mapstructure:"transport"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Privacy        PrivacyConfig       `mapstructure:"privacy"`
	Environment    string              `mapstructure:"environment"`
	LogLevel       string              `mapstructure:"log_level"`
	LogFormat      string              `mapstructure:"log_format"`
	SystemPrompt   string              `mapstructure:"system_prompt"`
	DrainTimeoutMS int                 `mapstructure:"drain_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PipelineConfig struct {
	Async         bool   `mapstructure:"async"`
	StageBuffer   int    `mapstructure:"stage_buffer"`
	HighCapacity  int    `mapstructure:"high_capacity"`
	LowCapacity   int    `mapstructure:"low_capacity"`
	FairnessRatio int    `mapstructure:"fairness_ratio"`
	Backpressure  string `mapstructure:"backpressure"`
}

// Orchestrator converts the settings to the pipeline's own config.
func (p PipelineConfig) Orchestrator() pipeline.Config {
	return pipeline.Config{
		Async:         p.Async,
		StageBuffer:   p.StageBuffer,
		HighCapacity:  p.HighCapacity,
		LowCapacity:   p.LowCapacity,
		FairnessRatio: p.FairnessRatio,
		Backpressure:  pipeline.ParseBackpressure(strings.ToLower(strings.TrimSpace(p.Backpressure))),
	}
}

// ChainConfig shapes the LLM chain and how the chain processor drives it.
type ChainConfig struct {
	Name          string  `mapstructure:"name"`
	Mode          string  `mapstructure:"mode"`
	TranscriptKey string  `mapstructure:"transcript_key"`
	EmptyToken    string  `mapstructure:"empty_token"`
	HumanTemplate string  `mapstructure:"human_template"`
	Model         string  `mapstructure:"model"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	UseMemory     bool    `mapstructure:"use_memory"`
}

type ResilienceConfig struct {
	RetryAttempts     int  `mapstructure:"retry_attempts"`
	RetryBaseDelayMS  int  `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMS   int  `mapstructure:"retry_max_delay_ms"`
	UseCircuitBreaker bool `mapstructure:"use_circuit_breaker"`
	BreakerThreshold  int  `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int  `mapstructure:"breaker_cooldown_ms"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

type TranscriptConfig struct {
	// Driver is one of memory, bolt or none.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	JSONLPath   string  `mapstructure:"jsonl_path"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	AsyncBuffer int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stage_buffer", 128)
	v.SetDefault("pipeline.high_capacity", 256)
	v.SetDefault("pipeline.low_capacity", 512)
	v.SetDefault("pipeline.fairness_ratio", 3)
	v.SetDefault("pipeline.backpressure", "wait")
	v.SetDefault("chain.mode", "stream")
	v.SetDefault("chain.transcript_key", "input")
	v.SetDefault("chain.empty_token", "emit")
	v.SetDefault("chain.human_template", "{input}")
	v.SetDefault("chain.use_memory", true)
	v.SetDefault("resilience.retry_attempts", 3)
	v.SetDefault("resilience.retry_base_delay_ms", 100)
	v.SetDefault("resilience.retry_max_delay_ms", 2000)
	v.SetDefault("resilience.use_circuit_breaker", true)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("context.max_history", 12)
	v.SetDefault("transcript.driver", "memory")
	v.SetDefault("transport.provider", "websocket")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("drain_timeout_ms", 20000)
}

// DefaultConfig returns the defaults LoadConfig starts from.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Provider) == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	switch c.Chain.Mode {
	case "stream", "invoke":
	default:
		return fmt.Errorf("chain.mode must be stream or invoke, got %q", c.Chain.Mode)
	}
	switch c.Chain.EmptyToken {
	case "", "emit", "skip", "error":
	default:
		return fmt.Errorf("chain.empty_token must be emit, skip or error, got %q", c.Chain.EmptyToken)
	}
	switch strings.ToLower(c.Transcript.Driver) {
	case "", "memory", "none":
	case "bolt":
		if strings.TrimSpace(c.Transcript.Path) == "" {
			return fmt.Errorf("transcript.path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("transcript.driver not supported: %s", c.Transcript.Driver)
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1]")
	}
	if c.Context.MaxHistory < 0 {
		return fmt.Errorf("context.max_history must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.LLM.Settings = expandSettings(cfg.LLM.Settings)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
