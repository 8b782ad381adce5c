package seeder

import (
	"encoding/json"
	"math"
	"reflect"

	"owuiboot/internal/config"
	"owuiboot/internal/profile"
)

const floatEpsilon = 1e-9

// Sentinels is the extensible set of known-stale factory defaults per
// parameter. A current value matching a sentinel is safe to repair under
// overwrite mode "stale".
type Sentinels map[string][]float64

func (s Sentinels) IsStale(key string, value any) bool {
	n, ok := asFloat(value)
	if !ok {
		return false
	}
	for _, candidate := range s[key] {
		if math.Abs(n-candidate) <= floatEpsilon {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
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

func valuesEqual(a, b any) bool {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		return math.Abs(fa-fb) <= floatEpsilon
	}
	return reflect.DeepEqual(a, b)
}

// shouldSetParam decides whether one field may be written under the given
// overwrite mode. In stale mode a value still equal to the last
// bootstrap-managed value is safe to update when defaults evolve.
func shouldSetParam(container map[string]any, key, mode string, managed map[string]any, sentinels Sentinels) bool {
	if mode == config.OverwriteModeAlways {
		return true
	}
	current, present := container[key]
	if !present {
		return true
	}
	if mode == config.OverwriteModeStale {
		if managed != nil {
			if prev, ok := managed[key]; ok && valuesEqual(current, prev) {
				return true
			}
		}
		return sentinels.IsStale(key, current)
	}
	return false
}

type applyInput struct {
	Desired       profile.Params
	Mode          string
	Sentinels     Sentinels
	MarkerVersion string
	DesiredHash   string
	Now           int64
}

func ensureDict(parent map[string]any, key string) (map[string]any, bool) {
	child, ok := parent[key].(map[string]any)
	if !ok {
		child = map[string]any{}
		parent[key] = child
		return child, true
	}
	return child, false
}

func parseDoc(raw string) map[string]any {
	doc := map[string]any{}
	if raw == "" {
		return doc
	}
	parsed := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return doc
	}
	return parsed
}

// applyUserSettings seeds one user's settings document. Desired values land
// under the canonical settings.ui.params path and are mirrored to legacy
// paths (settings.ui.chat.params, settings.params, settings.chat.params)
// kept for compatibility with older payload shapes. Per-user bootstrap
// metadata under settings.ui._mittwald_bootstrap records which values the
// bootstrap owns, so later default changes can be applied without touching
// customer-edited values.
func applyUserSettings(raw string, in applyInput) (string, bool) {
	base := parseDoc(raw)
	changed := false

	ui, created := ensureDict(base, "ui")
	changed = changed || created
	params, created := ensureDict(ui, "params")
	changed = changed || created
	uiChat, created := ensureDict(ui, "chat")
	changed = changed || created
	uiChatParams, created := ensureDict(uiChat, "params")
	changed = changed || created

	legacyParams, created := ensureDict(base, "params")
	changed = changed || created
	legacyChat, created := ensureDict(base, "chat")
	changed = changed || created
	legacyChatParams, created := ensureDict(legacyChat, "params")
	changed = changed || created

	compatibility := []map[string]any{uiChatParams, legacyParams, legacyChatParams}

	meta, created := ensureDict(ui, "_mittwald_bootstrap")
	changed = changed || created
	managed, created := ensureDict(meta, "managed_params")
	changed = changed || created

	// Migrate legacy values forward into the canonical path.
	for _, source := range compatibility {
		for key, value := range source {
			current, present := params[key]
			if !present {
				params[key] = value
				changed = true
			} else if in.Mode == config.OverwriteModeStale &&
				in.Sentinels.IsStale(key, current) &&
				!in.Sentinels.IsStale(key, value) {
				params[key] = value
				changed = true
			}
		}
	}

	for key, want := range in.Desired {
		if shouldSetParam(params, key, in.Mode, managed, in.Sentinels) {
			if !valuesEqual(params[key], want) {
				params[key] = want
				changed = true
			}
			if !valuesEqual(managed[key], want) {
				managed[key] = want
				changed = true
			}
		} else if in.Mode != config.OverwriteModeAlways {
			if prev, ok := managed[key]; ok && !valuesEqual(params[key], prev) {
				// The value drifted away from the bootstrap-managed one:
				// treat it as customer-owned from now on.
				delete(managed, key)
				changed = true
			}
		}

		for _, target := range compatibility {
			if shouldSetParam(target, key, in.Mode, nil, in.Sentinels) && !valuesEqual(target[key], params[key]) {
				target[key] = params[key]
				changed = true
			}
		}
	}

	// Keep all compatibility paths aligned with canonical ui.params.
	for _, target := range compatibility {
		for key, value := range params {
			if shouldSetParam(target, key, in.Mode, nil, in.Sentinels) && !valuesEqual(target[key], value) {
				target[key] = value
				changed = true
			}
		}
	}

	// Even in missing mode, desired keys absent everywhere are filled in.
	for key := range in.Desired {
		if _, ok := params[key]; !ok {
			params[key] = in.Desired[key]
			changed = true
		}
		for _, target := range compatibility {
			if _, ok := target[key]; !ok {
				target[key] = params[key]
				changed = true
			}
		}
	}

	metaChanged := false
	if meta["version"] != in.MarkerVersion {
		meta["version"] = in.MarkerVersion
		metaChanged = true
	}
	if meta["desired_hash"] != in.DesiredHash {
		meta["desired_hash"] = in.DesiredHash
		metaChanged = true
	}
	if changed || metaChanged {
		meta["updated_at_epoch"] = in.Now
		changed = true
	}

	if !changed {
		return raw, false
	}
	encoded, err := json.Marshal(base)
	if err != nil {
		return raw, false
	}
	return string(encoded), true
}

// applyChatPayload normalizes one chat row: the payload's own params plus
// per-message param snapshots kept in history.messages (map shape) or
// messages (list shape), so old chats do not hold on to stale defaults.
func applyChatPayload(raw string, in applyInput) (string, bool) {
	payload := parseDoc(raw)
	changed := false

	applyDesired := func(obj any) (map[string]any, bool) {
		params, ok := obj.(map[string]any)
		localChanged := !ok
		if !ok {
			params = map[string]any{}
		}
		for key, want := range in.Desired {
			if shouldSetParam(params, key, in.Mode, nil, in.Sentinels) && !valuesEqual(params[key], want) {
				params[key] = want
				localChanged = true
			}
		}
		return params, localChanged
	}

	params, paramsChanged := applyDesired(payload["params"])
	payload["params"] = params
	changed = changed || paramsChanged

	if history, ok := payload["history"].(map[string]any); ok {
		if messages, ok := history["messages"].(map[string]any); ok {
			for id, m := range messages {
				msg, ok := m.(map[string]any)
				if !ok {
					continue
				}
				if _, has := msg["params"]; !has && in.Mode == config.OverwriteModeMissing {
					continue
				}
				newParams, msgChanged := applyDesired(msg["params"])
				if msgChanged {
					msg["params"] = newParams
					messages[id] = msg
					changed = true
				}
			}
		}
	}

	if messageList, ok := payload["messages"].([]any); ok {
		for i, m := range messageList {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if _, has := msg["params"]; !has && in.Mode == config.OverwriteModeMissing {
				continue
			}
			newParams, msgChanged := applyDesired(msg["params"])
			if msgChanged {
				msg["params"] = newParams
				messageList[i] = msg
				changed = true
			}
		}
	}

	if !changed {
		return raw, false
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return raw, false
	}
	return string(encoded), true
}
