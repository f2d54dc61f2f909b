package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "local" {
		t.Fatalf("expected local provider, got %q", cfg.LLM.Provider)
	}
	if cfg.Detector.MinWords != 5 {
		t.Fatalf("expected 5 minimum words, got %d", cfg.Detector.MinWords)
	}
	if cfg.Audio.FrameSamples() != 320 {
		t.Fatalf("expected 320 samples per frame, got %d", cfg.Audio.FrameSamples())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cue.yaml")
	body := `
audio:
  backend: wav
  file_path: ./interview.wav
detector:
  min_words: 4
  cue_prefixes: [what, why]
llm:
  provider: mock
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Backend != "wav" || cfg.Audio.FilePath != "./interview.wav" {
		t.Fatalf("expected wav backend, got %+v", cfg.Audio)
	}
	if len(cfg.Detector.CuePrefixes) != 2 {
		t.Fatalf("expected cue list replaced, got %v", cfg.Detector.CuePrefixes)
	}
	if cfg.Detector.MinWords != 4 {
		t.Fatalf("expected min words 4, got %d", cfg.Detector.MinWords)
	}
	if cfg.Dedup.SimilarityThreshold != 0.7 {
		t.Fatalf("expected untouched default threshold, got %v", cfg.Dedup.SimilarityThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUE_LLM_PROVIDER", "remote")
	t.Setenv("CUE_LLM_API_KEY", "sk-test")
	t.Setenv("CUE_DEDUP_WINDOW_MS", "30000")
	t.Setenv("CUE_DEDUP_SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("CUE_DETECTOR_CUE_PREFIXES", "what, how ,why")
	t.Setenv("CUE_STT_DEVICE", "cpu")
	t.Setenv("CUE_BUS_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "remote" || cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected remote provider override, got %+v", cfg.LLM)
	}
	if cfg.Dedup.WindowMS != 30000 || cfg.Dedup.SimilarityThreshold != 0.5 {
		t.Fatalf("expected dedup overrides, got %+v", cfg.Dedup)
	}
	if strings.Join(cfg.Detector.CuePrefixes, "|") != "what|how|why" {
		t.Fatalf("expected trimmed cue list, got %v", cfg.Detector.CuePrefixes)
	}
	if cfg.STT.Device != "cpu" {
		t.Fatalf("expected cpu device, got %q", cfg.STT.Device)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled")
	}
}

func TestLegacyEnv(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("OPENROUTER_API_KEY", "sk-legacy")
	t.Setenv("OPENROUTER_MODEL", "mistral/small")
	t.Setenv("OLLAMA_MODEL", "qwen2.5:7b")
	t.Setenv("STT_MODEL", "small.en")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "remote" {
		t.Fatalf("expected openrouter to map to remote, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey != "sk-legacy" || cfg.LLM.RemoteModel != "mistral/small" {
		t.Fatalf("expected legacy remote settings, got %+v", cfg.LLM)
	}
	if cfg.LLM.Model != "qwen2.5:7b" {
		t.Fatalf("expected legacy ollama model, got %q", cfg.LLM.Model)
	}
	if cfg.STT.ModelSize != "small.en" {
		t.Fatalf("expected legacy stt model, got %q", cfg.STT.ModelSize)
	}

	t.Setenv("CUE_LLM_PROVIDER", "mock")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "mock" {
		t.Fatalf("expected CUE_ variable to win, got %q", cfg.LLM.Provider)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"remote without key": func(c *Config) { c.LLM.Provider = "remote"; c.LLM.APIKey = "" },
		"bad pattern":        func(c *Config) { c.Audio.DevicePattern = "(" },
		"wav without file":   func(c *Config) { c.Audio.Backend = "wav" },
		"max below hangover": func(c *Config) { c.VAD.MaxUtteranceMS = c.VAD.HangoverMS },
		"webrtc frame size":  func(c *Config) { c.VAD.Engine = "webrtc"; c.Audio.FrameDurationMS = 25 },
		"threshold range":    func(c *Config) { c.Dedup.SimilarityThreshold = 1.5 },
		"no concurrency":     func(c *Config) { c.LLM.MaxConcurrent = 0 },
		"company pattern":    func(c *Config) { c.Knowledge.CompanyPattern = "company.txt" },
		"bad device":         func(c *Config) { c.STT.Device = "tpu" },
		"negative heartbeat": func(c *Config) { c.Bus.Enabled = true; c.Bus.HeartbeatMS = -1 },
		"whisper no model":   func(c *Config) { c.STT.Mode = "whisper"; c.STT.ModelPath = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
