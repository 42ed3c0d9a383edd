package modelconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pysugar/notedeck/internal/providers/catalog"
)

// ErrMalformed is returned when persisted data is not JSON of a known top-level kind.
var ErrMalformed = errors.New("malformed model configuration")

// legacyFields mark a flat, pre-instances provider entry.
var legacyFields = []string{"apiKey", "baseUrl", "models", "model"}

// Migrate converts any persisted layout into canonical Configs. Recognized inputs:
//
//	{"version":4,"providers":{...}}            tagged canonical document
//	{"openai":{"instances":[...]}}             instances per provider type
//	{"openai":{"apiKey":..,"models":[..]}}     flat entry with a model list
//	{"openai":{"apiKey":..,"model":".."}}      flat entry with one model
//	[{"provider":"openai","apiKey":..}, ...]   top-level instance array
//
// It never drops an existing instances array and never touches provider keys it does not
// recognize. Migrate(Marshal(Migrate(x))) equals Migrate(x).
func Migrate(raw []byte) (Configs, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Configs{}, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Configs{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return migrateArray(items), nil
	case '{':
		var top map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &top); err != nil {
			return Configs{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if providers, ok := taggedProviders(top); ok {
			top = providers
		}
		return migrateEntries(top), nil
	default:
		return Configs{}, fmt.Errorf("%w: unexpected top-level value", ErrMalformed)
	}
}

func taggedProviders(top map[string]json.RawMessage) (map[string]json.RawMessage, bool) {
	rawVersion, ok := top["version"]
	if !ok {
		return nil, false
	}
	var version float64
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, false
	}
	rawProviders, ok := top["providers"]
	if !ok {
		return nil, false
	}
	var providers map[string]json.RawMessage
	if err := json.Unmarshal(rawProviders, &providers); err != nil || providers == nil {
		return nil, false
	}
	return providers, true
}

func migrateEntries(entries map[string]json.RawMessage) Configs {
	normalizedCount := make(map[string]int, len(entries))
	for key := range entries {
		normalizedCount[string(catalog.Normalize(key))]++
	}

	out := make(Configs, len(entries))
	for key, raw := range entries {
		target := key
		if norm := string(catalog.Normalize(key)); norm != "" && norm != key && normalizedCount[norm] == 1 {
			target = norm
		}
		out[target] = migrateEntry(raw)
	}
	return out
}

func migrateEntry(raw json.RawMessage) ProviderConfig {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ProviderConfig{Raw: compactRaw(raw)}
	}

	if rawInstances, ok := fields["instances"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawInstances, &items); err == nil && items != nil {
			instances := make([]Instance, 0, len(items))
			for _, item := range items {
				var f map[string]json.RawMessage
				if err := json.Unmarshal(item, &f); err != nil || f == nil {
					continue
				}
				instances = append(instances, instanceFromFields(f))
			}
			delete(fields, "instances")
			return ProviderConfig{Instances: ensureUniqueIDs(instances), Extra: compactAll(fields)}
		}
	}

	if hasAny(fields, legacyFields...) {
		inst := legacyInstance(fields)
		inst.ID = DefaultInstanceID
		inst.Name = DefaultInstanceName
		return ProviderConfig{Instances: []Instance{inst}, Extra: compactAll(fields)}
	}

	return ProviderConfig{Extra: compactAll(fields)}
}

// legacyInstance moves credential fields out of fields into a new instance. A scalar
// model becomes a one-element allow-list unless an explicit list exists; a scalar that
// the list does not cover is kept on the instance verbatim.
func legacyInstance(fields map[string]json.RawMessage) Instance {
	inst := Instance{}
	inst.APIKey, _ = takeString(fields, "apiKey")
	inst.BaseURL, _ = takeString(fields, "baseUrl")

	models, hasModels := takeStringList(fields, "models")
	model, hasModel := peekString(fields, "model")
	switch {
	case hasModels:
		inst.Models = models
		if hasModel && (model == "" || containsString(models, model)) {
			delete(fields, "model")
		} else if hasModel {
			inst.Extra = map[string]json.RawMessage{"model": compactRaw(fields["model"])}
			delete(fields, "model")
		}
	case hasModel && strings.TrimSpace(model) != "":
		inst.Models = []string{strings.TrimSpace(model)}
		delete(fields, "model")
	default:
		inst.Models = []string{}
		if hasModel {
			delete(fields, "model")
		}
	}
	return inst
}

func migrateArray(items []json.RawMessage) Configs {
	out := Configs{}
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}

		provider := ""
		for _, k := range []string{"provider", "providerType", "type"} {
			if v, ok := takeString(fields, k); ok && strings.TrimSpace(v) != "" {
				provider = v
				break
			}
		}
		key := string(catalog.Normalize(provider))
		if key == "" {
			key = "unknown"
		}

		id := takeID(fields)
		name, _ := takeString(fields, "name")
		inst := legacyInstance(fields)
		inst.ID = strings.TrimSpace(id)
		inst.Name = name
		if inst.Name == "" {
			inst.Name = DefaultInstanceName
		}
		if rest := compactAll(fields); rest != nil {
			if inst.Extra == nil {
				inst.Extra = rest
			} else {
				for k, v := range rest {
					inst.Extra[k] = v
				}
			}
		}

		cfg := out[key]
		if cfg.Instances == nil {
			cfg.Instances = []Instance{}
		}
		cfg.Instances = append(cfg.Instances, inst)
		out[key] = cfg
	}

	for key, cfg := range out {
		cfg.Instances = ensureUniqueIDs(cfg.Instances)
		out[key] = cfg
	}
	return out
}

func instanceFromFields(fields map[string]json.RawMessage) Instance {
	inst := Instance{}
	inst.ID = strings.TrimSpace(takeID(fields))
	inst.Name, _ = takeString(fields, "name")
	inst.APIKey, _ = takeString(fields, "apiKey")
	inst.BaseURL, _ = takeString(fields, "baseUrl")
	if models, ok := takeStringList(fields, "models"); ok {
		inst.Models = models
	}
	inst.Extra = compactAll(fields)
	return inst
}

// ensureUniqueIDs gives blank or repeated ids deterministic replacements.
func ensureUniqueIDs(instances []Instance) []Instance {
	taken := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if inst.ID != "" {
			taken[inst.ID] = false
		}
	}
	next := func() string {
		if _, used := taken[DefaultInstanceID]; !used {
			return DefaultInstanceID
		}
		for n := 2; ; n++ {
			candidate := DefaultInstanceID + "-" + strconv.Itoa(n)
			if _, used := taken[candidate]; !used {
				return candidate
			}
		}
	}

	for i := range instances {
		id := instances[i].ID
		if id != "" && !taken[id] {
			taken[id] = true
			continue
		}
		id = next()
		taken[id] = true
		instances[i].ID = id
	}
	return instances
}

func hasAny(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// takeString removes and returns fields[key] when it is a JSON string.
func takeString(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := peekString(fields, key)
	if ok {
		delete(fields, key)
	}
	return v, ok
}

// takeID removes and returns the instance id. Numeric ids are kept in their decimal
// form; any other non-string id is dropped and later replaced.
func takeID(fields map[string]json.RawMessage) string {
	raw, ok := fields["id"]
	if !ok {
		return ""
	}
	delete(fields, "id")
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil || n == "" {
		return ""
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}

func peekString(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// takeStringList removes and returns fields[key] when it is an array of strings,
// trimmed and de-duplicated in first-seen order.
func takeStringList(fields map[string]json.RawMessage, key string) ([]string, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		delete(fields, key)
		return nil, false
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	delete(fields, key)
	return normalizeModels(items), true
}

func normalizeModels(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, m := range items {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func compactAll(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = compactRaw(v)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
