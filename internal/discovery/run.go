package discovery

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"owuiboot/internal/config"
	"owuiboot/internal/marker"
	"owuiboot/internal/metrics"
)

type Outcome int

const (
	Applied Outcome = iota
	Skipped
	SoftFailed
	HardFailed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case SoftFailed:
		return "soft_failed"
	case HardFailed:
		return "hard_failed"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome        Outcome
	Reason         string
	Err            error
	Models         []string
	Classification Classification
}

// Runner performs one provider discovery pass and, on success, rewrites the
// provider definition in full. On any failure the existing configuration is
// left untouched: there is no partial overwrite.
type Runner struct {
	Cfg     *config.Config
	Client  *Client
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// ReadExisting loads the application's current config document, usually
	// from the data store's config table. Nil or a miss means empty config.
	ReadExisting func(ctx context.Context) ([]byte, bool, error)

	now func() time.Time
}

func (r *Runner) Run(ctx context.Context) Result {
	m := r.Metrics
	if m == nil {
		m = metrics.Global()
	}

	if r.Cfg.Discovery.APIKey == "" {
		if r.Cfg.Policy.RequireAPIKey {
			m.DiscoveryHardFail.Inc()
			r.Logger.Error().Msg("provider API key missing and required; aborting discovery")
			return Result{Outcome: HardFailed, Reason: "missing_api_key"}
		}
		r.Logger.Info().Msg("provider API key not set; skipping provider bootstrap")
		return Result{Outcome: Skipped, Reason: "missing_api_key"}
	}

	previousModels := r.previousModels()

	models, err := r.Client.ListModelIDs(ctx)
	if err != nil {
		if r.Cfg.Policy.StrictBootstrap {
			m.DiscoveryHardFail.Inc()
			r.Logger.Error().Err(err).Msg("model discovery failed under strict bootstrap")
			return Result{Outcome: HardFailed, Reason: "discovery_failed", Err: err}
		}
		m.DiscoverySoftFail.Inc()
		r.Logger.Warn().Err(err).Msg("model discovery failed; keeping existing provider config")
		return Result{Outcome: SoftFailed, Reason: "discovery_failed", Err: err}
	}
	m.ModelsDiscovered.Add(float64(len(models)))

	classification := Classify(models, ClassifyOptions{
		ChatHint:      r.Cfg.Discovery.ChatModelHint,
		EmbeddingHint: r.Cfg.Discovery.EmbeddingHint,
		WhisperHint:   r.Cfg.Discovery.WhisperHint,
		RerankingHint: r.Cfg.Discovery.RerankingHint,
		ChatPriority:  r.Cfg.Discovery.ChatPriority,
	})

	selectedEmbedding, checks := r.Client.SelectEmbeddingModel(ctx, classification.EmbeddingCandidates)
	classification.DefaultEmbeddingModel = selectedEmbedding

	r.Logger.Info().
		Int("models", len(models)).
		Str("base_url", r.Cfg.Discovery.BaseURL).
		Str("default_chat_model", classification.DefaultChatModel).
		Msg("model discovery complete")
	if selectedEmbedding != "" {
		r.Logger.Info().Str("model", selectedEmbedding).Msg("selected embedding model with /embeddings support")
	} else if len(classification.EmbeddingCandidates) > 0 {
		r.Logger.Warn().Msg("no embedding candidate passed /embeddings probe; keeping existing embedding config")
	}

	existing := r.loadExisting(ctx)
	merged := MergeProviderConfig(existing, r.Cfg.Discovery, models, classification)

	if err := marker.WriteJSONAtomic(r.Cfg.ConfigJSONPath, merged); err != nil {
		m.DiscoveryHardFail.Inc()
		r.Logger.Error().Err(err).Msg("failed to write merged config")
		return Result{Outcome: HardFailed, Reason: "config_write_failed", Err: err}
	}
	r.Logger.Info().Str("path", r.Cfg.ConfigJSONPath).Msg("wrote merged application config")

	diff := diffModels(previousModels, models)
	if diff.Changed {
		r.Logger.Info().
			Strs("added", diff.Added).
			Strs("removed", diff.Removed).
			Msg("model list changed since last discovery")
	}

	nowFn := r.now
	if nowFn == nil {
		nowFn = time.Now
	}
	cache := cacheDocument{
		GeneratedAt:    nowFn().UTC().Format(time.RFC3339),
		BaseURL:        r.Cfg.Discovery.BaseURL,
		ModelCount:     len(models),
		Models:         models,
		ModelDiff:      diff,
		Classification: classification,
		EmbeddingProbe: probeDocument{
			Enabled: r.Cfg.Discovery.VerifyEndpoints,
			Checks:  checks,
		},
	}
	if err := marker.WriteJSONAtomic(r.Cfg.DiscoveryCache, cache); err != nil {
		r.Logger.Warn().Err(err).Msg("failed to write discovery cache")
	} else {
		r.Logger.Info().Str("path", r.Cfg.DiscoveryCache).Msg("wrote model discovery cache")
	}

	return Result{Outcome: Applied, Models: models, Classification: classification}
}

func (r *Runner) loadExisting(ctx context.Context) map[string]any {
	if r.ReadExisting == nil {
		return map[string]any{}
	}
	raw, ok, err := r.ReadExisting(ctx)
	if err != nil {
		r.Logger.Warn().Err(err).Msg("could not read existing config from data store")
		return map[string]any{}
	}
	if !ok {
		return map[string]any{}
	}
	parsed := map[string]any{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		r.Logger.Warn().Err(err).Msg("existing config is not valid JSON; starting from empty")
		return map[string]any{}
	}
	return parsed
}

type cacheDocument struct {
	GeneratedAt    string         `json:"generated_at"`
	BaseURL        string         `json:"base_url"`
	ModelCount     int            `json:"model_count"`
	Models         []string       `json:"models"`
	ModelDiff      ModelDiff      `json:"model_diff"`
	Classification Classification `json:"classification"`
	EmbeddingProbe probeDocument  `json:"embedding_probe"`
}

type probeDocument struct {
	Enabled bool                  `json:"enabled"`
	Checks  map[string]ProbeCheck `json:"checks"`
}

type ModelDiff struct {
	Changed bool     `json:"changed"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func (r *Runner) previousModels() []string {
	raw, err := os.ReadFile(r.Cfg.DiscoveryCache)
	if err != nil {
		return nil
	}
	var payload struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload.Models
}

func diffModels(previous, current []string) ModelDiff {
	prevSet := map[string]struct{}{}
	for _, m := range previous {
		prevSet[m] = struct{}{}
	}
	curSet := map[string]struct{}{}
	for _, m := range current {
		curSet[m] = struct{}{}
	}

	added := []string{}
	for m := range curSet {
		if _, ok := prevSet[m]; !ok {
			added = append(added, m)
		}
	}
	removed := []string{}
	for m := range prevSet {
		if _, ok := curSet[m]; !ok {
			removed = append(removed, m)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	return ModelDiff{Changed: len(added) > 0 || len(removed) > 0, Added: added, Removed: removed}
}
