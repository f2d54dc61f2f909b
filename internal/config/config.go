package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	STT         STTConfig       `yaml:"stt"`
	Detector    DetectorConfig  `yaml:"detector"`
	Dedup       DedupConfig     `yaml:"dedup"`
	LLM         LLMConfig       `yaml:"llm"`
	Knowledge   KnowledgeConfig `yaml:"knowledge"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

// BusConfig controls the optional NATS relay that mirrors pipeline events
// to an out-of-process host.
type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	HeartbeatMS    int      `yaml:"heartbeat_ms"`
}

// LedgerConfig controls persistence of the duplicate-question ledger.
type LedgerConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // portaudio, wav
	DevicePattern   string `yaml:"device_pattern"`
	FilePath        string `yaml:"file_path"`
	Realtime        bool   `yaml:"realtime"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms"`
}

type VADConfig struct {
	Engine         string  `yaml:"engine"` // energy, webrtc
	Mode           int     `yaml:"mode"`
	Threshold      float64 `yaml:"threshold"`
	OnsetFrames    int     `yaml:"onset_frames"`
	HangoverMS     int     `yaml:"hangover_ms"`
	MaxUtteranceMS int     `yaml:"max_utterance_ms"`
	MinUtteranceMS int     `yaml:"min_utterance_ms"`
}

type STTConfig struct {
	Mode           string  `yaml:"mode"` // mock, exec, http, whisper
	Command        string  `yaml:"command"`
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	ModelPath      string  `yaml:"model_path"`
	ModelSize      string  `yaml:"model_size"`
	Device         string  `yaml:"device"` // cpu, cuda
	ComputeType    string  `yaml:"compute_type"`
	Language       string  `yaml:"language"`
	PartialEveryMS int     `yaml:"partial_every_ms"`
	PublishInterim bool    `yaml:"publish_interim"`
	TimeoutMS      int     `yaml:"timeout_ms"`
	SilenceFloor   float64 `yaml:"silence_floor"`
}

type DetectorConfig struct {
	MinWords           int      `yaml:"min_words"`
	CuePrefixes        []string `yaml:"cue_prefixes"`
	CuePhrases         []string `yaml:"cue_phrases"`
	IncompleteSuffixes []string `yaml:"incomplete_suffixes"`
	CompletionGapMS    int      `yaml:"completion_gap_ms"`
	WindowSegments     int      `yaml:"window_segments"`
	TickMS             int      `yaml:"tick_ms"`
}

type DedupConfig struct {
	WindowMS            int     `yaml:"window_ms"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxEntries          int     `yaml:"max_entries"`
}

type LLMConfig struct {
	Provider      string  `yaml:"provider"` // local, remote, mock, exec
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	RemoteBaseURL string  `yaml:"remote_base_url"`
	RemoteModel   string  `yaml:"remote_model"`
	APIKey        string  `yaml:"api_key"`
	Command       string  `yaml:"command"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutMS     int     `yaml:"timeout_ms"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

type KnowledgeConfig struct {
	Directory      string `yaml:"directory"`
	ProfileFile    string `yaml:"profile_file"`
	CompanyPattern string `yaml:"company_pattern"`
	MaxChars       int    `yaml:"max_chars"`
	RecentContext  int    `yaml:"recent_context"`
}

type PipelineConfig struct {
	QueueSize       int `yaml:"queue_size"`
	Workers         int `yaml:"workers"`
	EventBuffer     int `yaml:"event_buffer"`
	GraceMS         int `yaml:"grace_ms"`
	MaxReadTimeouts int `yaml:"max_read_timeouts"`
}

// DefaultDevicePattern matches the usual names of system-audio loopback
// inputs on Windows, macOS and PulseAudio/PipeWire.
const DefaultDevicePattern = `(?i)(stereo mix|wave out mix|loopback|what u hear|what you hear|rec\. playback|recording playback|monitor of|blackhole)`

func Default() Config {
	return Config{
		RuntimeName: "loqa-cue",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			StdoutTraces:   true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			HeartbeatMS:    5000,
		},
		Ledger: LedgerConfig{
			Path:          "./data/cue-ledger.db",
			RetentionMode: "ephemeral",
		},
		Audio: AudioConfig{
			Backend:         "portaudio",
			DevicePattern:   DefaultDevicePattern,
			SampleRate:      16000,
			Channels:        2,
			FrameDurationMS: 20,
			ReadTimeoutMS:   1000,
		},
		VAD: VADConfig{
			Engine:         "energy",
			Mode:           2,
			Threshold:      0.02,
			OnsetFrames:    3,
			HangoverMS:     700,
			MaxUtteranceMS: 15000,
			MinUtteranceMS: 250,
		},
		STT: STTConfig{
			Mode:           "mock",
			ModelSize:      "base.en",
			Device:         "cuda",
			Language:       "en",
			PartialEveryMS: 800,
			TimeoutMS:      45000,
			SilenceFloor:   0.003,
		},
		Detector: DetectorConfig{
			MinWords: 5,
			CuePrefixes: []string{
				"what", "why", "how", "when", "where", "who", "which",
				"can you", "could you", "would you", "do you", "have you", "are you",
				"tell me", "explain", "describe", "define", "walk me through",
			},
			CuePhrases: []string{
				"tell me about yourself",
				"describe yourself",
				"what are your strengths",
				"what are your weaknesses",
				"why should we hire you",
				"why do you want",
				"where do you see yourself",
				"describe a time",
				"give me an example",
				"how would you",
				"what would you do",
				"can you tell me about",
				"could you explain",
				"walk me through your",
				"run me through your",
			},
			IncompleteSuffixes: []string{"..."},
			CompletionGapMS:    900,
			WindowSegments:     32,
			TickMS:             100,
		},
		Dedup: DedupConfig{
			WindowMS:            120000,
			SimilarityThreshold: 0.7,
			MaxEntries:          10,
		},
		LLM: LLMConfig{
			Provider:      "local",
			Endpoint:      "http://localhost:11434",
			Model:         "llama3.2:latest",
			RemoteBaseURL: "https://openrouter.ai/api/v1",
			RemoteModel:   "meta-llama/llama-3.1-8b-instruct:free",
			SystemPrompt:  "You are a helpful interview assistant. Provide concise, accurate answers to interview questions.",
			MaxTokens:     400,
			Temperature:   0.7,
			TimeoutMS:     60000,
			MaxConcurrent: 2,
		},
		Knowledge: KnowledgeConfig{
			Directory:      "./database",
			ProfileFile:    "self_intro.txt",
			CompanyPattern: "company_%s.txt",
			MaxChars:       500,
			RecentContext:  3,
		},
		Pipeline: PipelineConfig{
			QueueSize:       8,
			Workers:         1,
			EventBuffer:     64,
			GraceMS:         5000,
			MaxReadTimeouts: 5,
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

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv honors the variable names of the .env files written for
// the earlier desktop tool. CUE_* variables take precedence.
func applyLegacyEnv(cfg *Config) {
	if value, ok := os.LookupEnv("LLM_PROVIDER"); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "ollama":
			cfg.LLM.Provider = "local"
		case "openrouter":
			cfg.LLM.Provider = "remote"
		}
	}
	overrideString(&cfg.LLM.Endpoint, "OLLAMA_BASE_URL")
	overrideString(&cfg.LLM.Model, "OLLAMA_MODEL")
	overrideString(&cfg.LLM.APIKey, "OPENROUTER_API_KEY")
	overrideString(&cfg.LLM.RemoteModel, "OPENROUTER_MODEL")
	overrideString(&cfg.STT.ModelSize, "STT_MODEL")
	overrideString(&cfg.STT.Device, "STT_DEVICE")
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CUE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CUE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "CUE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "CUE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CUE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CUE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CUE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CUE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CUE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "CUE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "CUE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CUE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CUE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CUE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CUE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CUE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CUE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CUE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CUE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CUE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatMS, "CUE_BUS_HEARTBEAT_MS")
	overrideString(&cfg.Ledger.Path, "CUE_LEDGER_PATH")
	overrideString(&cfg.Ledger.RetentionMode, "CUE_LEDGER_RETENTION_MODE")
	overrideBool(&cfg.Ledger.VacuumOnStart, "CUE_LEDGER_VACUUM_ON_START")
	overrideString(&cfg.Audio.Backend, "CUE_AUDIO_BACKEND")
	overrideString(&cfg.Audio.DevicePattern, "CUE_AUDIO_DEVICE_PATTERN")
	overrideString(&cfg.Audio.FilePath, "CUE_AUDIO_FILE_PATH")
	overrideBool(&cfg.Audio.Realtime, "CUE_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.SampleRate, "CUE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "CUE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "CUE_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.ReadTimeoutMS, "CUE_AUDIO_READ_TIMEOUT_MS")
	overrideString(&cfg.VAD.Engine, "CUE_VAD_ENGINE")
	overrideInt(&cfg.VAD.Mode, "CUE_VAD_MODE")
	overrideFloat(&cfg.VAD.Threshold, "CUE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.OnsetFrames, "CUE_VAD_ONSET_FRAMES")
	overrideInt(&cfg.VAD.HangoverMS, "CUE_VAD_HANGOVER_MS")
	overrideInt(&cfg.VAD.MaxUtteranceMS, "CUE_VAD_MAX_UTTERANCE_MS")
	overrideInt(&cfg.VAD.MinUtteranceMS, "CUE_VAD_MIN_UTTERANCE_MS")
	overrideString(&cfg.STT.Mode, "CUE_STT_MODE")
	overrideString(&cfg.STT.Command, "CUE_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "CUE_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "CUE_STT_API_KEY")
	overrideString(&cfg.STT.ModelPath, "CUE_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelSize, "CUE_STT_MODEL_SIZE")
	overrideString(&cfg.STT.Device, "CUE_STT_DEVICE")
	overrideString(&cfg.STT.ComputeType, "CUE_STT_COMPUTE_TYPE")
	overrideString(&cfg.STT.Language, "CUE_STT_LANGUAGE")
	overrideInt(&cfg.STT.PartialEveryMS, "CUE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "CUE_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "CUE_STT_TIMEOUT_MS")
	overrideFloat(&cfg.STT.SilenceFloor, "CUE_STT_SILENCE_FLOOR")
	overrideInt(&cfg.Detector.MinWords, "CUE_DETECTOR_MIN_WORDS")
	overrideStringSlice(&cfg.Detector.CuePrefixes, "CUE_DETECTOR_CUE_PREFIXES")
	overrideStringSlice(&cfg.Detector.CuePhrases, "CUE_DETECTOR_CUE_PHRASES")
	overrideInt(&cfg.Detector.CompletionGapMS, "CUE_DETECTOR_COMPLETION_GAP_MS")
	overrideInt(&cfg.Detector.WindowSegments, "CUE_DETECTOR_WINDOW_SEGMENTS")
	overrideInt(&cfg.Dedup.WindowMS, "CUE_DEDUP_WINDOW_MS")
	overrideFloat(&cfg.Dedup.SimilarityThreshold, "CUE_DEDUP_SIMILARITY_THRESHOLD")
	overrideInt(&cfg.Dedup.MaxEntries, "CUE_DEDUP_MAX_ENTRIES")
	overrideString(&cfg.LLM.Provider, "CUE_LLM_PROVIDER")
	overrideString(&cfg.LLM.Endpoint, "CUE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "CUE_LLM_MODEL")
	overrideString(&cfg.LLM.RemoteBaseURL, "CUE_LLM_REMOTE_BASE_URL")
	overrideString(&cfg.LLM.RemoteModel, "CUE_LLM_REMOTE_MODEL")
	overrideString(&cfg.LLM.APIKey, "CUE_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "CUE_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "CUE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "CUE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "CUE_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxConcurrent, "CUE_LLM_MAX_CONCURRENT")
	overrideString(&cfg.Knowledge.Directory, "CUE_KNOWLEDGE_DIRECTORY")
	overrideInt(&cfg.Knowledge.MaxChars, "CUE_KNOWLEDGE_MAX_CHARS")
	overrideInt(&cfg.Pipeline.QueueSize, "CUE_PIPELINE_QUEUE_SIZE")
	overrideInt(&cfg.Pipeline.Workers, "CUE_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.GraceMS, "CUE_PIPELINE_GRACE_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting. Invalid configuration is fatal
// at startup.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatMS < 0 {
			return errors.New("bus.heartbeat_ms must not be negative")
		}
	}
	switch cfg.Ledger.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Ledger.Path == "" {
			return errors.New("ledger.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("ledger.retention_mode must be one of ephemeral|persistent")
	}
	switch cfg.Audio.Backend {
	case "portaudio":
		if strings.TrimSpace(cfg.Audio.DevicePattern) == "" {
			return errors.New("audio.device_pattern must not be empty")
		}
		if _, err := regexp.Compile(cfg.Audio.DevicePattern); err != nil {
			return fmt.Errorf("audio.device_pattern is not a valid expression: %w", err)
		}
	case "wav":
		if cfg.Audio.FilePath == "" {
			return errors.New("audio.file_path must be set when backend=wav")
		}
	default:
		return errors.New("audio.backend must be one of portaudio|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.ReadTimeoutMS <= 0 {
		return errors.New("audio.read_timeout_ms must be positive")
	}
	switch cfg.VAD.Engine {
	case "energy":
	case "webrtc":
		switch cfg.Audio.FrameDurationMS {
		case 10, 20, 30:
		default:
			return errors.New("audio.frame_duration_ms must be 10, 20 or 30 when vad.engine=webrtc")
		}
		if cfg.VAD.Mode < 0 || cfg.VAD.Mode > 3 {
			return errors.New("vad.mode must be between 0 and 3")
		}
	default:
		return errors.New("vad.engine must be one of energy|webrtc")
	}
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be in (0, 1]")
	}
	if cfg.VAD.OnsetFrames <= 0 {
		return errors.New("vad.onset_frames must be >= 1")
	}
	if cfg.VAD.HangoverMS <= 0 {
		return errors.New("vad.hangover_ms must be positive")
	}
	if cfg.VAD.MaxUtteranceMS <= cfg.VAD.HangoverMS {
		return errors.New("vad.max_utterance_ms must be greater than hangover_ms")
	}
	if cfg.VAD.MinUtteranceMS < 0 {
		return errors.New("vad.min_utterance_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http|whisper")
	}
	switch cfg.STT.Device {
	case "cpu", "cuda", "auto":
	default:
		return errors.New("stt.device must be one of cpu|cuda|auto")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Detector.MinWords < 1 {
		return errors.New("detector.min_words must be >= 1")
	}
	if cfg.Detector.CompletionGapMS <= 0 {
		return errors.New("detector.completion_gap_ms must be positive")
	}
	if cfg.Detector.WindowSegments < 2 {
		return errors.New("detector.window_segments must be >= 2")
	}
	if cfg.Detector.TickMS <= 0 {
		return errors.New("detector.tick_ms must be positive")
	}
	if cfg.Dedup.WindowMS <= 0 {
		return errors.New("dedup.window_ms must be positive")
	}
	if cfg.Dedup.SimilarityThreshold < 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return errors.New("dedup.similarity_threshold must be in [0, 1]")
	}
	if cfg.Dedup.MaxEntries < 0 {
		return errors.New("dedup.max_entries must be >= 0")
	}
	switch cfg.LLM.Provider {
	case "mock":
	case "local":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when provider=local")
		}
	case "remote":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when provider=remote")
		}
		if cfg.LLM.RemoteModel == "" {
			return errors.New("llm.remote_model must be set when provider=remote")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when provider=exec")
		}
	default:
		return errors.New("llm.provider must be one of local|remote|mock|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.LLM.MaxConcurrent <= 0 {
		return errors.New("llm.max_concurrent must be >= 1")
	}
	if cfg.Knowledge.CompanyPattern != "" && !strings.Contains(cfg.Knowledge.CompanyPattern, "%s") {
		return errors.New("knowledge.company_pattern must contain %s")
	}
	if cfg.Pipeline.QueueSize <= 0 {
		return errors.New("pipeline.queue_size must be >= 1")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.EventBuffer < 0 {
		return errors.New("pipeline.event_buffer must be >= 0")
	}
	if cfg.Pipeline.GraceMS < 0 {
		return errors.New("pipeline.grace_ms must be >= 0")
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c AudioConfig) FrameDuration() time.Duration { return millis(c.FrameDurationMS) }
func (c AudioConfig) ReadTimeout() time.Duration   { return millis(c.ReadTimeoutMS) }

// FrameSamples is the number of mono samples in one frame.
func (c AudioConfig) FrameSamples() int {
	return c.SampleRate * c.FrameDurationMS / 1000
}

func (c VADConfig) Hangover() time.Duration     { return millis(c.HangoverMS) }
func (c VADConfig) MaxUtterance() time.Duration { return millis(c.MaxUtteranceMS) }
func (c VADConfig) MinUtterance() time.Duration { return millis(c.MinUtteranceMS) }

func (c STTConfig) PartialEvery() time.Duration { return millis(c.PartialEveryMS) }
func (c STTConfig) Timeout() time.Duration      { return millis(c.TimeoutMS) }

func (c DetectorConfig) CompletionGap() time.Duration { return millis(c.CompletionGapMS) }
func (c DetectorConfig) Tick() time.Duration          { return millis(c.TickMS) }

func (c DedupConfig) Window() time.Duration { return millis(c.WindowMS) }

func (c LLMConfig) Timeout() time.Duration { return millis(c.TimeoutMS) }

func (c PipelineConfig) Grace() time.Duration { return millis(c.GraceMS) }

func (c BusConfig) Heartbeat() time.Duration { return millis(c.HeartbeatMS) }
