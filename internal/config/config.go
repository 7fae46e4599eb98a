package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Model       ModelConfig      `yaml:"model"`
	Decoding    DecodingConfig   `yaml:"decoding"`
	Transcripts TranscriptConfig `yaml:"transcripts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type GatewayConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Bind                 string `yaml:"bind"`
	Port                 int    `yaml:"port"`
	MaxMessageSize       int64  `yaml:"max_message_size"`
	MaxActiveConnections int    `yaml:"max_active_connections"`
}

type PipelineConfig struct {
	FeaturePoolSize   int    `yaml:"feature_pool_size"`
	InferencePoolSize int    `yaml:"inference_pool_size"`
	DecodePoolSize    int    `yaml:"decode_pool_size"`
	MaxBatchSize      int    `yaml:"max_batch_size"`
	MaxWaitMS         int    `yaml:"max_wait_ms"`
	QueueSize         int    `yaml:"queue_size"`
	OverflowPolicy    string `yaml:"overflow_policy"` // reject, block
}

type ModelConfig struct {
	Kind              string  `yaml:"kind"` // transducer, ctc
	Mode              string  `yaml:"mode"` // mock, exec
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	TokensPath        string  `yaml:"tokens_path"`
	SampleRate        int     `yaml:"sample_rate"`
	FeatureBins       int     `yaml:"feature_bins"`
	FrameLengthMS     float64 `yaml:"frame_length_ms"`
	FrameShiftMS      float64 `yaml:"frame_shift_ms"`
	SubsamplingFactor int     `yaml:"subsampling_factor"`
	VocabSize         int     `yaml:"vocab_size"`
	Warmup            bool    `yaml:"warmup"`
}

type DecodingConfig struct {
	Method         string `yaml:"method"` // greedy_search, modified_beam_search
	MaxActivePaths int    `yaml:"max_active_paths"`
}

type TranscriptConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Gateway: GatewayConfig{
			Enabled:              true,
			Bind:                 "0.0.0.0",
			Port:                 6006,
			MaxMessageSize:       1 << 20,
			MaxActiveConnections: 500,
		},
		Pipeline: PipelineConfig{
			FeaturePoolSize:   4,
			InferencePoolSize: 1,
			DecodePoolSize:    4,
			MaxBatchSize:      50,
			MaxWaitMS:         10,
			QueueSize:         256,
			OverflowPolicy:    "reject",
		},
		Model: ModelConfig{
			Kind:              "transducer",
			Mode:              "mock",
			SampleRate:        16000,
			FeatureBins:       80,
			FrameLengthMS:     25,
			FrameShiftMS:      10,
			SubsamplingFactor: 4,
			VocabSize:         500,
			Warmup:            true,
		},
		Decoding: DecodingConfig{
			Method:         "greedy_search",
			MaxActivePaths: 4,
		},
		Transcripts: TranscriptConfig{
			Path:          "./data/loqa-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   100000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_ASR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_ASR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_ASR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_ASR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_ASR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_ASR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_ASR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_ASR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_ASR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_ASR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_ASR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_ASR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_ASR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_ASR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_ASR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_ASR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_ASR_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_ASR_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Bind, "LOQA_ASR_GATEWAY_BIND")
	overrideInt(&cfg.Gateway.Port, "LOQA_ASR_GATEWAY_PORT")
	overrideInt64(&cfg.Gateway.MaxMessageSize, "LOQA_ASR_GATEWAY_MAX_MESSAGE_SIZE")
	overrideInt(&cfg.Gateway.MaxActiveConnections, "LOQA_ASR_GATEWAY_MAX_ACTIVE_CONNECTIONS")
	overrideInt(&cfg.Pipeline.FeaturePoolSize, "LOQA_ASR_PIPELINE_FEATURE_POOL_SIZE")
	overrideInt(&cfg.Pipeline.InferencePoolSize, "LOQA_ASR_PIPELINE_INFERENCE_POOL_SIZE")
	overrideInt(&cfg.Pipeline.DecodePoolSize, "LOQA_ASR_PIPELINE_DECODE_POOL_SIZE")
	overrideInt(&cfg.Pipeline.MaxBatchSize, "LOQA_ASR_PIPELINE_MAX_BATCH_SIZE")
	overrideInt(&cfg.Pipeline.MaxWaitMS, "LOQA_ASR_PIPELINE_MAX_WAIT_MS")
	overrideInt(&cfg.Pipeline.QueueSize, "LOQA_ASR_PIPELINE_QUEUE_SIZE")
	overrideString(&cfg.Pipeline.OverflowPolicy, "LOQA_ASR_PIPELINE_OVERFLOW_POLICY")
	overrideString(&cfg.Model.Kind, "LOQA_ASR_MODEL_KIND")
	overrideString(&cfg.Model.Mode, "LOQA_ASR_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_ASR_MODEL_COMMAND")
	overrideString(&cfg.Model.ModelPath, "LOQA_ASR_MODEL_PATH")
	overrideString(&cfg.Model.TokensPath, "LOQA_ASR_MODEL_TOKENS_PATH")
	overrideInt(&cfg.Model.SampleRate, "LOQA_ASR_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.FeatureBins, "LOQA_ASR_MODEL_FEATURE_BINS")
	overrideInt(&cfg.Model.SubsamplingFactor, "LOQA_ASR_MODEL_SUBSAMPLING_FACTOR")
	overrideInt(&cfg.Model.VocabSize, "LOQA_ASR_MODEL_VOCAB_SIZE")
	overrideBool(&cfg.Model.Warmup, "LOQA_ASR_MODEL_WARMUP")
	overrideString(&cfg.Decoding.Method, "LOQA_ASR_DECODING_METHOD")
	overrideInt(&cfg.Decoding.MaxActivePaths, "LOQA_ASR_DECODING_MAX_ACTIVE_PATHS")
	overrideString(&cfg.Transcripts.Path, "LOQA_ASR_TRANSCRIPTS_PATH")
	overrideString(&cfg.Transcripts.RetentionMode, "LOQA_ASR_TRANSCRIPTS_RETENTION_MODE")
	overrideInt(&cfg.Transcripts.RetentionDays, "LOQA_ASR_TRANSCRIPTS_RETENTION_DAYS")
	overrideInt(&cfg.Transcripts.MaxRequests, "LOQA_ASR_TRANSCRIPTS_MAX_REQUESTS")
	overrideBool(&cfg.Transcripts.VacuumOnStart, "LOQA_ASR_TRANSCRIPTS_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			return errors.New("gateway.port must be between 1 and 65535")
		}
		if cfg.Gateway.MaxMessageSize <= 0 {
			return errors.New("gateway.max_message_size must be positive")
		}
		if cfg.Gateway.MaxActiveConnections <= 0 {
			return errors.New("gateway.max_active_connections must be positive")
		}
	}
	if cfg.Pipeline.FeaturePoolSize <= 0 {
		return errors.New("pipeline.feature_pool_size must be >= 1")
	}
	if cfg.Pipeline.InferencePoolSize <= 0 {
		return errors.New("pipeline.inference_pool_size must be >= 1")
	}
	if cfg.Pipeline.DecodePoolSize <= 0 {
		return errors.New("pipeline.decode_pool_size must be >= 1")
	}
	if cfg.Pipeline.MaxBatchSize <= 0 {
		return errors.New("pipeline.max_batch_size must be >= 1")
	}
	if cfg.Pipeline.MaxWaitMS <= 0 {
		return errors.New("pipeline.max_wait_ms must be positive")
	}
	if cfg.Pipeline.QueueSize <= 0 {
		return errors.New("pipeline.queue_size must be >= 1")
	}
	switch cfg.Pipeline.OverflowPolicy {
	case "reject", "block":
	default:
		return errors.New("pipeline.overflow_policy must be one of reject|block")
	}
	switch cfg.Model.Kind {
	case "transducer", "ctc":
	default:
		return errors.New("model.kind must be one of transducer|ctc")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.FeatureBins <= 0 {
		return errors.New("model.feature_bins must be positive")
	}
	if cfg.Model.FrameLengthMS <= 0 || cfg.Model.FrameShiftMS <= 0 {
		return errors.New("model.frame_length_ms and model.frame_shift_ms must be positive")
	}
	if cfg.Model.SubsamplingFactor <= 0 {
		return errors.New("model.subsampling_factor must be >= 1")
	}
	if cfg.Model.VocabSize <= 1 {
		return errors.New("model.vocab_size must be > 1")
	}
	switch cfg.Decoding.Method {
	case "greedy_search", "modified_beam_search":
	default:
		return errors.New("decoding.method must be one of greedy_search|modified_beam_search")
	}
	if cfg.Decoding.Method == "modified_beam_search" && cfg.Decoding.MaxActivePaths <= 0 {
		return errors.New("decoding.max_active_paths must be >= 1 for modified_beam_search")
	}
	if cfg.Transcripts.Path == "" {
		return errors.New("transcripts.path must not be empty")
	}
	switch cfg.Transcripts.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcripts.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Transcripts.RetentionDays < 0 {
		return errors.New("transcripts.retention_days must be >= 0")
	}
	return nil
}
