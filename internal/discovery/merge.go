package discovery

import (
	"strconv"

	"owuiboot/internal/config"
)

// MergeProviderConfig writes the discovered provider definition into the
// application's config document. Discovery is the source of truth for the
// provider entry each run, but other providers already present keep their
// positions: new base URLs are appended, never reindexed.
func MergeProviderConfig(cfg map[string]any, d config.DiscoveryConfig, modelIDs []string, c Classification) map[string]any {
	if cfg == nil {
		cfg = map[string]any{}
	}

	openaiCfg := ensureDictPath(cfg, "openai")
	openaiCfg["enable"] = true

	baseURLs := asStrList(openaiCfg["api_base_urls"])
	targetIdx := -1
	for i, u := range baseURLs {
		if u == d.BaseURL {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		baseURLs = append(baseURLs, d.BaseURL)
		targetIdx = len(baseURLs) - 1
	}
	openaiCfg["api_base_urls"] = baseURLs

	apiKeys := asStrList(openaiCfg["api_keys"])
	for len(apiKeys) < len(baseURLs) {
		apiKeys = append(apiKeys, "")
	}
	apiKeys[targetIdx] = d.APIKey
	openaiCfg["api_keys"] = apiKeys

	apiConfigs, ok := openaiCfg["api_configs"].(map[string]any)
	if !ok {
		apiConfigs = map[string]any{}
	}
	key := strconv.Itoa(targetIdx)
	target, ok := apiConfigs[key].(map[string]any)
	if !ok {
		target = map[string]any{}
	}
	target["enable"] = true
	if _, ok := target["connection_type"]; !ok {
		target["connection_type"] = "external"
	}

	tags := asStrList(target["tags"])
	for _, newTag := range []string{d.ProviderTag, "auto-discovered"} {
		if !containsStr(tags, newTag) {
			tags = append(tags, newTag)
		}
	}
	target["tags"] = tags

	if len(modelIDs) > 0 {
		target["model_ids"] = modelIDs
	}
	apiConfigs[key] = target
	openaiCfg["api_configs"] = apiConfigs

	if d.ConfigureAudioSTT {
		sttCfg := ensureDictPath(cfg, "audio", "stt")
		sttOpenAICfg := ensureDictPath(cfg, "audio", "stt", "openai")

		// The speech engine identifier is fixed to the OpenAI-compatible value.
		sttCfg["engine"] = "openai"
		sttOpenAICfg["api_base_url"] = d.BaseURL
		sttOpenAICfg["api_key"] = d.APIKey

		if c.DefaultWhisperModel != "" {
			sttCfg["model"] = c.DefaultWhisperModel
		}
		if _, ok := sttCfg["supported_content_types"].([]any); !ok {
			sttCfg["supported_content_types"] = []any{
				"audio/mpeg",
				"audio/ogg",
				"audio/wav",
				"audio/flac",
			}
		}
	}

	if d.SetDefaultModel && c.DefaultChatModel != "" {
		uiCfg := ensureDictPath(cfg, "ui")
		uiCfg["default_models"] = c.DefaultChatModel
	}

	if d.ConfigureRAG && c.DefaultEmbeddingModel != "" {
		ragCfg := ensureDictPath(cfg, "rag")
		ragCfg["embedding_engine"] = "openai"
		ragCfg["embedding_model"] = c.DefaultEmbeddingModel
		ragCfg["openai_api_base_url"] = d.BaseURL
		ragCfg["openai_api_key"] = d.APIKey
	}

	// Off by default: incompatible rerankers can break retrieval entirely.
	if d.SetReranking && c.DefaultRerankingModel != "" {
		ragCfg := ensureDictPath(cfg, "rag")
		ragCfg["reranking_model"] = c.DefaultRerankingModel
	}

	if _, ok := cfg["version"]; !ok {
		cfg["version"] = 0
	}

	return cfg
}

func ensureDictPath(obj map[string]any, path ...string) map[string]any {
	cur := obj
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	return cur
}

func asStrList(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string{}, v...)
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return []string{}
}

func containsStr(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
