// Package profile resolves the effective default chat parameters for the
// discovered model by merging, in precedence order: the built-in fallback
// profile, a matched model-family profile, the scraped Hugging Face
// generation_config and hyperparameters for the exact model, and finally
// explicit environment overrides.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Params map[string]any

// Model-family defaults keyed by a substring of the model name. Order
// matters for matching, so the keys live in profileOrder.
var profileOrder = []string{"ministral", "devstral", "qwen", "gpt-oss"}

var builtinProfiles = map[string]Params{
	"ministral": {
		"temperature":        0.1,
		"top_p":              0.5,
		"top_k":              float64(10),
		"repetition_penalty": 1.0,
		"max_tokens":         float64(4096),
	},
	"devstral": {
		"temperature":        0.15,
		"top_p":              0.5,
		"top_k":              float64(10),
		"repetition_penalty": 1.0,
		"max_tokens":         float64(4096),
	},
	"qwen": {
		"temperature":        0.2,
		"top_p":              0.8,
		"top_k":              float64(20),
		"repetition_penalty": 1.0,
		"max_tokens":         float64(8192),
	},
	"gpt-oss": {
		"temperature":        0.2,
		"top_p":              0.7,
		"top_k":              float64(20),
		"repetition_penalty": 1.0,
		"max_tokens":         float64(8192),
	},
}

var fallbackProfile = Params{
	"temperature":        0.1,
	"top_p":              0.5,
	"top_k":              float64(10),
	"repetition_penalty": 1.0,
	"max_tokens":         float64(4096),
}

var allowedParamKeys = map[string]struct{}{
	"temperature":        {},
	"top_p":              {},
	"top_k":              {},
	"min_p":              {},
	"repetition_penalty": {},
	"repeat_penalty":     {},
	"presence_penalty":   {},
	"frequency_penalty":  {},
	"max_tokens":         {},
	"seed":               {},
	"mirostat":           {},
	"mirostat_eta":       {},
	"mirostat_tau":       {},
	"repeat_last_n":      {},
	"tfs_z":              {},
	"num_ctx":            {},
	"num_batch":          {},
	"num_thread":         {},
	"num_gpu":            {},
}

var canonicalParamKeys = map[string]string{
	"repeat_penalty":        "repetition_penalty",
	"max_new_tokens":        "max_tokens",
	"num_predict":           "max_tokens",
	"max_completion_tokens": "max_tokens",
	"topp":                  "top_p",
	"topk":                  "top_k",
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// NormalizeModelName lowercases and strips every non-alphanumeric rune so
// that "Ministral-3-14B" and "ministral_3_14b" compare equal.
func NormalizeModelName(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(name), "")
}

type ModelEntry struct {
	GenerationConfig map[string]any `json:"generation_config"`
	Hyperparameters  map[string]any `json:"hyperparameters"`
}

type Dataset struct {
	Models map[string]ModelEntry `json:"models"`
}

// LoadDataset reads the build-time hyperparameter dataset. A missing or
// unreadable file is not an error; it just yields an empty dataset.
func LoadDataset(path string) Dataset {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return Dataset{}
	}
	return ds
}

// FindModelEntry looks up a model by exact key first, then by normalized
// name so dataset keys survive punctuation differences.
func FindModelEntry(ds Dataset, modelName string) (ModelEntry, bool) {
	if modelName == "" || len(ds.Models) == 0 {
		return ModelEntry{}, false
	}
	if entry, ok := ds.Models[modelName]; ok {
		return entry, true
	}
	wanted := NormalizeModelName(modelName)
	for key, entry := range ds.Models {
		if NormalizeModelName(key) == wanted {
			return entry, true
		}
	}
	return ModelEntry{}, false
}

func extractChatParams(raw map[string]any) Params {
	out := Params{}
	for key, value := range raw {
		canonical, ok := canonicalParamKeys[key]
		if !ok {
			canonical = key
		}
		if _, ok := allowedParamKeys[canonical]; !ok {
			continue
		}
		if n, ok := asNumber(value); ok {
			out[canonical] = n
		}
	}
	return out
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// pickProfileKey returns the first family key contained in the model name.
func pickProfileKey(modelName string) string {
	if modelName == "" {
		return ""
	}
	lowered := strings.ToLower(modelName)
	for _, key := range profileOrder {
		if strings.Contains(lowered, key) {
			return key
		}
	}
	return ""
}

type Resolver struct {
	DatasetPath string
	Overrides   map[string]string
	Logger      zerolog.Logger
}

// Resolve builds the effective default parameter set for modelName. A field
// unset at every tier is simply absent; the resolver never invents a value.
func (r *Resolver) Resolve(modelName string) Params {
	profileKey := pickProfileKey(modelName)
	base := fallbackProfile
	if profileKey != "" {
		base = builtinProfiles[profileKey]
	}
	desired := Params{}
	for k, v := range base {
		desired[k] = v
	}

	ds := LoadDataset(r.DatasetPath)
	if entry, ok := FindModelEntry(ds, modelName); ok {
		if gen := extractChatParams(entry.GenerationConfig); len(gen) > 0 {
			for k, v := range gen {
				desired[k] = v
			}
			r.Logger.Info().Str("model", modelName).Str("dataset", r.DatasetPath).
				Msg("applied generation_config defaults")
		}
		if hp := extractChatParams(entry.Hyperparameters); len(hp) > 0 {
			for k, v := range hp {
				desired[k] = v
			}
			r.Logger.Info().Str("model", modelName).Str("dataset", r.DatasetPath).
				Msg("applied curated hyperparameters")
		}
	}

	for key, raw := range r.Overrides {
		if v := coerce(raw); v != nil {
			desired[key] = v
		}
	}

	if modelName != "" {
		name := profileKey
		if name == "" {
			name = "fallback"
		}
		r.Logger.Info().Str("profile", name).Str("model", modelName).Msg("resolved chat defaults profile")
	} else {
		r.Logger.Info().Msg("no discovered default chat model; using fallback chat defaults profile")
	}
	return desired
}

func coerce(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Fingerprint is a stable digest of a resolved parameter set. A changed
// fingerprint forces one full re-sync even when the marker version matches.
func Fingerprint(p Params) string {
	encoded, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// DefaultChatModelFromCache reads the model chosen by the last discovery
// pass. Any read or shape problem yields the empty string.
func DefaultChatModelFromCache(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var payload struct {
		Classification struct {
			DefaultChatModel string `json:"default_chat_model"`
		} `json:"classification"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Classification.DefaultChatModel)
}
