package discovery

import "strings"

// Classification partitions the discovered model list by capability,
// inferred from naming heuristics, and records the selected default per
// capability. It is transient: produced by one discovery call and consumed
// immediately.
type Classification struct {
	ChatCandidates        []string `json:"chat_candidates"`
	EmbeddingCandidates   []string `json:"embedding_candidates"`
	WhisperCandidates     []string `json:"whisper_candidates"`
	RerankingCandidates   []string `json:"reranking_candidates"`
	DefaultChatModel      string   `json:"default_chat_model"`
	DefaultEmbeddingModel string   `json:"default_embedding_model"`
	DefaultWhisperModel   string   `json:"default_whisper_model"`
	DefaultRerankingModel string   `json:"default_reranking_model"`
}

type ClassifyOptions struct {
	ChatHint      string
	EmbeddingHint string
	WhisperHint   string
	RerankingHint string
	ChatPriority  []string
}

var rerankingTokens = []string{"rerank", "reranker", "ranker", "colbert"}

// Classify buckets model IDs: whisper-like names are speech, embedding
// names are embedding, reranker names are reranking, everything else is
// assumed chat-capable.
func Classify(modelIDs []string, opts ClassifyOptions) Classification {
	var c Classification
	c.ChatCandidates = []string{}
	c.EmbeddingCandidates = []string{}
	c.WhisperCandidates = []string{}
	c.RerankingCandidates = []string{}

	excluded := map[string]struct{}{}
	for _, id := range modelIDs {
		lowered := strings.ToLower(id)
		switch {
		case strings.Contains(lowered, "whisper"):
			c.WhisperCandidates = append(c.WhisperCandidates, id)
			excluded[id] = struct{}{}
		case strings.Contains(lowered, "embedding"):
			c.EmbeddingCandidates = append(c.EmbeddingCandidates, id)
			excluded[id] = struct{}{}
		case containsAny(lowered, rerankingTokens):
			c.RerankingCandidates = append(c.RerankingCandidates, id)
			excluded[id] = struct{}{}
		}
	}
	for _, id := range modelIDs {
		if _, ok := excluded[id]; !ok {
			c.ChatCandidates = append(c.ChatCandidates, id)
		}
	}

	c.DefaultChatModel = pickWithPriority(c.ChatCandidates, opts.ChatHint, opts.ChatPriority)
	c.DefaultEmbeddingModel = pickByHint(c.EmbeddingCandidates, opts.EmbeddingHint)
	c.DefaultWhisperModel = pickByHint(c.WhisperCandidates, opts.WhisperHint)
	c.DefaultRerankingModel = pickByHint(c.RerankingCandidates, opts.RerankingHint)
	return c
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// pickByHint prefers an exact hint match, then a substring match, then the
// first candidate in discovery order.
func pickByHint(candidates []string, hint string) string {
	if len(candidates) == 0 {
		return ""
	}
	if hint != "" {
		lowered := strings.ToLower(hint)
		for _, m := range candidates {
			if strings.ToLower(m) == lowered {
				return m
			}
		}
		for _, m := range candidates {
			if strings.Contains(strings.ToLower(m), lowered) {
				return m
			}
		}
	}
	return candidates[0]
}

// pickWithPriority applies the hint first; without a hint it walks the
// priority ladder and finally falls back to the first candidate.
func pickWithPriority(candidates []string, hint string, priority []string) string {
	if hint != "" {
		return pickByHint(candidates, hint)
	}
	if len(candidates) == 0 {
		return ""
	}
	for _, token := range priority {
		lowered := strings.ToLower(token)
		for _, m := range candidates {
			if strings.Contains(strings.ToLower(m), lowered) {
				return m
			}
		}
	}
	return candidates[0]
}
