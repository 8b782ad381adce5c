package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"owuiboot/internal/config"
)

type fakeProvider struct {
	models        []string
	modelsStatus  int
	failEmbedding map[string]bool
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		if f.modelsStatus != 0 {
			w.WriteHeader(f.modelsStatus)
			return
		}
		type model struct {
			ID string `json:"id"`
		}
		resp := struct {
			Data []model `json:"data"`
		}{}
		for _, id := range f.models {
			resp.Data = append(resp.Data, model{ID: id})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.failEmbedding[req.Model] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"no such model","type":"invalid_request_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"model":"` + req.Model + `"}`))
	})
	return mux
}

func testRunnerConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ConfigJSONPath: filepath.Join(dir, "config.json"),
		DiscoveryCache: filepath.Join(dir, "discovery.json"),
		Discovery: config.DiscoveryConfig{
			BaseURL:           baseURL,
			APIKey:            "sk-test",
			Timeout:           5 * time.Second,
			ProviderTag:       "mittwald",
			ConfigureAudioSTT: true,
			SetDefaultModel:   true,
			ConfigureRAG:      true,
			VerifyEndpoints:   true,
			ChatPriority:      []string{"ministral", "devstral", "gpt-oss", "qwen"},
			ProbeInput:        "capability probe",
		},
	}
}

func newTestRunner(cfg *config.Config) *Runner {
	return &Runner{
		Cfg:    cfg,
		Client: NewClient(cfg.Discovery),
		Logger: zerolog.Nop(),
	}
}

func TestRunApplied(t *testing.T) {
	provider := &fakeProvider{
		models: []string{"qwen3-30b", "ministral-3-14b", "qwen3-embedding-8b", "whisper-large-v3"},
	}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	res := newTestRunner(cfg).Run(context.Background())
	if res.Outcome != Applied {
		t.Fatalf("expected applied, got %v (%s, %v)", res.Outcome, res.Reason, res.Err)
	}
	if len(res.Models) != 4 {
		t.Fatalf("models: %v", res.Models)
	}
	if res.Classification.DefaultChatModel != "ministral-3-14b" {
		t.Fatalf("chat model: %q", res.Classification.DefaultChatModel)
	}
	if res.Classification.DefaultEmbeddingModel != "qwen3-embedding-8b" {
		t.Fatalf("embedding model: %q", res.Classification.DefaultEmbeddingModel)
	}

	raw, err := os.ReadFile(cfg.ConfigJSONPath)
	if err != nil {
		t.Fatalf("read merged config: %v", err)
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		t.Fatalf("decode merged config: %v", err)
	}
	if merged["openai"].(map[string]any)["enable"] != true {
		t.Fatalf("merged config: %v", merged)
	}
	if merged["ui"].(map[string]any)["default_models"] != "ministral-3-14b" {
		t.Fatalf("default model not set: %v", merged["ui"])
	}

	cacheRaw, err := os.ReadFile(cfg.DiscoveryCache)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	var cache struct {
		ModelCount     int      `json:"model_count"`
		Models         []string `json:"models"`
		Classification struct {
			DefaultChatModel string `json:"default_chat_model"`
		} `json:"classification"`
		EmbeddingProbe struct {
			Enabled bool `json:"enabled"`
		} `json:"embedding_probe"`
	}
	if err := json.Unmarshal(cacheRaw, &cache); err != nil {
		t.Fatalf("decode cache: %v", err)
	}
	if cache.ModelCount != 4 || cache.Classification.DefaultChatModel != "ministral-3-14b" || !cache.EmbeddingProbe.Enabled {
		t.Fatalf("unexpected cache: %+v", cache)
	}
}

func TestRunSkippedWithoutKey(t *testing.T) {
	cfg := testRunnerConfig(t, "http://unused.invalid/v1")
	cfg.Discovery.APIKey = ""
	res := newTestRunner(cfg).Run(context.Background())
	if res.Outcome != Skipped || res.Reason != "missing_api_key" {
		t.Fatalf("expected skipped, got %v (%s)", res.Outcome, res.Reason)
	}
	if _, err := os.Stat(cfg.ConfigJSONPath); !os.IsNotExist(err) {
		t.Fatal("config written despite skip")
	}
}

func TestRunHardFailsWhenKeyRequired(t *testing.T) {
	cfg := testRunnerConfig(t, "http://unused.invalid/v1")
	cfg.Discovery.APIKey = ""
	cfg.Policy.RequireAPIKey = true
	res := newTestRunner(cfg).Run(context.Background())
	if res.Outcome != HardFailed || res.Reason != "missing_api_key" {
		t.Fatalf("expected hard failure, got %v (%s)", res.Outcome, res.Reason)
	}
}

func TestRunSoftFailureLeavesConfigUntouched(t *testing.T) {
	provider := &fakeProvider{modelsStatus: http.StatusBadGateway}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	res := newTestRunner(cfg).Run(context.Background())
	if res.Outcome != SoftFailed || res.Reason != "discovery_failed" {
		t.Fatalf("expected soft failure, got %v (%s)", res.Outcome, res.Reason)
	}
	if _, err := os.Stat(cfg.ConfigJSONPath); !os.IsNotExist(err) {
		t.Fatal("config written despite discovery failure")
	}
	if _, err := os.Stat(cfg.DiscoveryCache); !os.IsNotExist(err) {
		t.Fatal("cache written despite discovery failure")
	}
}

func TestRunStrictBootstrapHardFails(t *testing.T) {
	provider := &fakeProvider{modelsStatus: http.StatusBadGateway}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	cfg.Policy.StrictBootstrap = true
	res := newTestRunner(cfg).Run(context.Background())
	if res.Outcome != HardFailed || res.Reason != "discovery_failed" {
		t.Fatalf("expected hard failure, got %v (%s)", res.Outcome, res.Reason)
	}
}

func TestRunMergesExistingConfig(t *testing.T) {
	provider := &fakeProvider{models: []string{"ministral-3-14b"}}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	existing := []byte(`{"version":7,"openai":{"api_base_urls":["https://other.example.test/v1"],"api_keys":["sk-other"]}}`)
	r := newTestRunner(cfg)
	r.ReadExisting = func(context.Context) ([]byte, bool, error) {
		return existing, true, nil
	}

	if res := r.Run(context.Background()); res.Outcome != Applied {
		t.Fatalf("run: %v", res.Outcome)
	}
	raw, err := os.ReadFile(cfg.ConfigJSONPath)
	if err != nil {
		t.Fatalf("read merged config: %v", err)
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		t.Fatalf("decode: %v", err)
	}
	urls := merged["openai"].(map[string]any)["api_base_urls"].([]any)
	if len(urls) != 2 || urls[0] != "https://other.example.test/v1" {
		t.Fatalf("existing provider lost: %v", urls)
	}
	if merged["version"] != float64(7) {
		t.Fatalf("version overwritten: %v", merged["version"])
	}
}

func TestSelectEmbeddingModelSkipsBrokenCandidate(t *testing.T) {
	provider := &fakeProvider{failEmbedding: map[string]bool{"bad-embedding": true}}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	c := NewClient(cfg.Discovery)

	selected, checks := c.SelectEmbeddingModel(context.Background(), []string{"bad-embedding", "good-embedding"})
	if selected != "good-embedding" {
		t.Fatalf("selected %q", selected)
	}
	if check := checks["bad-embedding"]; check.Supported || check.Reason != "http_404" {
		t.Fatalf("bad candidate check: %+v", check)
	}
	if check := checks["good-embedding"]; !check.Supported || check.Reason != "ok" {
		t.Fatalf("good candidate check: %+v", check)
	}
}

func TestProbeDisabled(t *testing.T) {
	cfg := testRunnerConfig(t, "http://unused.invalid/v1")
	cfg.Discovery.VerifyEndpoints = false
	c := NewClient(cfg.Discovery)

	ok, reason := c.ProbeEmbeddings(context.Background(), "anything")
	if !ok || reason != "probe_disabled" {
		t.Fatalf("got %v %q", ok, reason)
	}
}

func TestListModelIDsDedup(t *testing.T) {
	provider := &fakeProvider{models: []string{"m1", "m2", "m1", "", "m3"}}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cfg := testRunnerConfig(t, srv.URL+"/v1")
	c := NewClient(cfg.Discovery)

	ids, err := c.ListModelIDs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" {
		t.Fatalf("ids: %v", ids)
	}
}
