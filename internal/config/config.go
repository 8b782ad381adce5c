package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	OverwriteModeStale   = "stale"
	OverwriteModeMissing = "missing"
	OverwriteModeAlways  = "always"

	defaultBaseURL = "https://llm.aihosting.mittwald.de/v1"
)

var (
	ErrInvalidOverwriteMode = errors.New("OWUI_BOOTSTRAP_OVERWRITE_MODE must be 'stale', 'missing' or 'always'")
	ErrMissingAPIKey        = errors.New("MITTWALD_OPENAI_API_KEY is required when MITTWALD_REQUIRE_API_KEY=true")
)

type Config struct {
	DataDir         string
	DBPath          string
	MarkerPath      string
	MarkerVersion   string
	ConfigJSONPath  string
	DiscoveryCache  string
	HyperparamsPath string
	AppEntrypoint   []string
	ListenAddr      string

	Seed      SeedConfig
	Wait      WaitConfig
	Overrides map[string]string
	Discovery DiscoveryConfig
	Policy    PolicyConfig
	Log       LogConfig
}

type SeedConfig struct {
	OverwriteMode    string
	ReapplyOnStart   bool
	SyncChatsOnStart bool
	StaleSentinels   map[string][]float64
}

type WaitConfig struct {
	PollInterval   time.Duration
	MaxWait        time.Duration
	DBWaitTimeout  time.Duration
	StartupMaxWait time.Duration
}

type DiscoveryConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	ProviderTag       string
	ConfigureAudioSTT bool
	SetDefaultModel   bool
	ConfigureRAG      bool
	VerifyEndpoints   bool
	SetReranking      bool
	ChatModelHint     string
	EmbeddingHint     string
	WhisperHint       string
	RerankingHint     string
	ChatPriority      []string
	ProbeInput        string
}

type PolicyConfig struct {
	RequireAPIKey   bool
	StrictBootstrap bool
	FailFast        bool
}

type LogConfig struct {
	Level string
}

// defaultStaleSentinels lists unconfigured Open WebUI factory defaults that
// are safe to auto-repair under overwrite mode "stale".
func defaultStaleSentinels() map[string][]float64 {
	return map[string][]float64{
		"temperature": {0.8},
		"top_p":       {0.9},
		"top_k":       {40},
		"max_tokens":  {128},
	}
}

func Load() (*Config, error) {
	dataDir := mustEnv("OWUI_DATA_DIR", "/app/backend/data")

	cfg := &Config{
		DataDir:         dataDir,
		DBPath:          mustEnv("OWUI_DB_PATH", filepath.Join(dataDir, "webui.db")),
		MarkerPath:      mustEnv("OWUI_BOOTSTRAP_MARKER", filepath.Join(dataDir, ".bootstrapped_chat_params")),
		MarkerVersion:   mustEnv("OWUI_BOOTSTRAP_MARKER_VERSION", "v2"),
		ConfigJSONPath:  mustEnv("OWUI_BOOTSTRAP_CONFIG_PATH", filepath.Join(dataDir, "config.json")),
		DiscoveryCache:  mustEnv("MITTWALD_DISCOVERY_CACHE_PATH", filepath.Join(dataDir, "mittwald-models-discovery.json")),
		HyperparamsPath: mustEnv("HF_MODEL_HYPERPARAMS_PATH", "/usr/local/share/openwebui/hf-model-hyperparameters.json"),
		AppEntrypoint:   strings.Fields(mustEnv("OWUI_APP_ENTRYPOINT", "")),
		ListenAddr:      mustEnv("BOOTSTRAP_LISTEN_ADDR", ":9090"),
		Seed: SeedConfig{
			OverwriteMode:    resolveOverwriteMode(),
			ReapplyOnStart:   mustBool("OWUI_BOOTSTRAP_REAPPLY_ON_START", false),
			SyncChatsOnStart: mustBool("OWUI_BOOTSTRAP_SYNC_CHATS_ON_EVERY_START", false),
		},
		Wait: WaitConfig{
			PollInterval:   time.Duration(mustInt("OWUI_BOOTSTRAP_POLL_INTERVAL_SEC", 2)) * time.Second,
			MaxWait:        time.Duration(mustInt("OWUI_BOOTSTRAP_MAX_WAIT_SECONDS", 86400)) * time.Second,
			DBWaitTimeout:  time.Duration(mustInt("OWUI_BOOTSTRAP_DB_WAIT_TIMEOUT_SEC", 600)) * time.Second,
			StartupMaxWait: time.Duration(mustInt("OWUI_BOOTSTRAP_STARTUP_MAX_WAIT_SECONDS", 15)) * time.Second,
		},
		Overrides: map[string]string{
			"temperature":        mustEnv("OWUI_BOOTSTRAP_TEMPERATURE", ""),
			"top_p":              mustEnv("OWUI_BOOTSTRAP_TOP_P", ""),
			"top_k":              mustEnv("OWUI_BOOTSTRAP_TOP_K", ""),
			"repetition_penalty": mustEnv("OWUI_BOOTSTRAP_REPETITION_PENALTY", ""),
			"max_tokens":         mustEnv("OWUI_BOOTSTRAP_MAX_TOKENS", ""),
		},
		Discovery: DiscoveryConfig{
			BaseURL:           normalizeBaseURL(mustEnv("MITTWALD_OPENAI_BASE_URL", defaultBaseURL)),
			APIKey:            mustEnv("MITTWALD_OPENAI_API_KEY", ""),
			Timeout:           time.Duration(mustInt("MITTWALD_DISCOVERY_TIMEOUT_SEC", 20)) * time.Second,
			ProviderTag:       mustEnv("MITTWALD_PROVIDER_TAG", "mittwald"),
			ConfigureAudioSTT: mustBool("MITTWALD_CONFIGURE_AUDIO_STT", true),
			SetDefaultModel:   mustBool("MITTWALD_SET_DEFAULT_MODEL", true),
			ConfigureRAG:      mustBool("MITTWALD_CONFIGURE_RAG_EMBEDDING", true),
			VerifyEndpoints:   mustBool("MITTWALD_VERIFY_MODEL_ENDPOINTS", true),
			SetReranking:      mustBool("MITTWALD_SET_RERANKING_MODEL", false),
			ChatModelHint:     mustEnv("MITTWALD_CHAT_MODEL_HINT", ""),
			EmbeddingHint:     mustEnv("MITTWALD_EMBEDDING_MODEL_HINT", ""),
			WhisperHint:       mustEnv("MITTWALD_WHISPER_MODEL_HINT", ""),
			RerankingHint:     mustEnv("MITTWALD_RERANKING_MODEL_HINT", ""),
			ChatPriority:      splitCSV(mustEnv("MITTWALD_CHAT_MODEL_PRIORITY", "ministral,devstral,gpt-oss,qwen")),
			ProbeInput:        mustEnv("MITTWALD_EMBEDDING_PROBE_INPUT", "mittwald endpoint capability probe"),
		},
		Policy: PolicyConfig{
			RequireAPIKey:   mustBool("MITTWALD_REQUIRE_API_KEY", false),
			StrictBootstrap: mustBool("MITTWALD_STRICT_BOOTSTRAP", false),
			FailFast:        mustBool("MITTWALD_FAIL_FAST", false),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	sentinels, err := loadStaleSentinels()
	if err != nil {
		return nil, err
	}
	cfg.Seed.StaleSentinels = sentinels

	switch cfg.Seed.OverwriteMode {
	case OverwriteModeStale, OverwriteModeMissing, OverwriteModeAlways:
	default:
		return nil, ErrInvalidOverwriteMode
	}
	if cfg.Policy.RequireAPIKey && cfg.Discovery.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	return cfg, nil
}

// resolveOverwriteMode keeps backward compatibility with the legacy boolean
// toggle: OWUI_BOOTSTRAP_FORCE=true maps to "always", any other set value to
// "missing". The explicit mode variable wins when present.
func resolveOverwriteMode() string {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("OWUI_BOOTSTRAP_OVERWRITE_MODE")))
	if mode != "" {
		return mode
	}
	if force, ok := os.LookupEnv("OWUI_BOOTSTRAP_FORCE"); ok {
		if strings.ToLower(strings.TrimSpace(force)) == "true" {
			return OverwriteModeAlways
		}
		return OverwriteModeMissing
	}
	return OverwriteModeStale
}

// loadStaleSentinels merges the optional JSON override into the built-in
// sentinel set. The set is extensible on purpose: the known factory defaults
// are not assumed to be exhaustive.
func loadStaleSentinels() (map[string][]float64, error) {
	out := defaultStaleSentinels()
	raw := mustEnv("OWUI_BOOTSTRAP_STALE_SENTINELS", "")
	if raw == "" {
		return out, nil
	}
	parsed := map[string][]float64{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse OWUI_BOOTSTRAP_STALE_SENTINELS: %w", err)
	}
	for key, values := range parsed {
		out[key] = values
	}
	return out, nil
}

func normalizeBaseURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(url, "/")
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	return strings.ToLower(v) == "true"
}
