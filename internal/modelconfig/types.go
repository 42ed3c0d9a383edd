// Package modelconfig owns the persisted registry of provider instances: its canonical
// shape, migration from every historical layout, and the mutation API.
package modelconfig

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pysugar/notedeck/internal/providers/catalog"
)

const (
	// SchemaVersion tags documents written by this package. Older data is untagged.
	SchemaVersion = 4

	// DefaultInstanceID marks an instance synthesized from a legacy flat entry. Re-running
	// migration finds it inside an instances array and leaves it alone.
	DefaultInstanceID   = "default"
	DefaultInstanceName = "Default"
)

// Instance is one credential+endpoint combination for a provider type.
type Instance struct {
	ID      string
	Name    string
	APIKey  string
	BaseURL string
	// Models is the allow-list of enabled model ids. nil means the instance never declared
	// one; an empty non-nil slice enables nothing.
	Models []string
	// Extra keeps fields this version does not understand.
	Extra map[string]json.RawMessage
}

// ProviderConfig holds the instances of one provider key.
type ProviderConfig struct {
	// Instances is nil for placeholder entries that never had credentials.
	Instances []Instance
	Extra     map[string]json.RawMessage
	// Raw preserves an entry that is not a JSON object at all.
	Raw json.RawMessage
}

// Configs maps a provider key (normally a catalog.ProviderType) to its config.
type Configs map[string]ProviderConfig

type document struct {
	Version   int     `json:"version"`
	Providers Configs `json:"providers"`
}

// Marshal renders the tagged canonical document.
func (c Configs) Marshal() ([]byte, error) {
	if c == nil {
		c = Configs{}
	}
	return json.Marshal(document{Version: SchemaVersion, Providers: c})
}

// Clone deep-copies c so callers can never mutate store internals.
func (c Configs) Clone() Configs {
	out := make(Configs, len(c))
	for k, p := range c {
		out[k] = p.clone()
	}
	return out
}

// Keys returns provider keys in sorted order.
func (c Configs) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InstanceRef addresses one instance inside Configs.
type InstanceRef struct {
	Provider catalog.ProviderType
	Instance Instance
}

// Instances flattens c in provider-key order.
func (c Configs) Instances() []InstanceRef {
	var out []InstanceRef
	for _, key := range c.Keys() {
		for _, inst := range c[key].Instances {
			out = append(out, InstanceRef{Provider: catalog.ProviderType(key), Instance: inst.clone()})
		}
	}
	return out
}

func (p ProviderConfig) clone() ProviderConfig {
	out := ProviderConfig{Extra: cloneRaw(p.Extra)}
	if p.Raw != nil {
		out.Raw = append(json.RawMessage(nil), p.Raw...)
	}
	if p.Instances != nil {
		out.Instances = make([]Instance, len(p.Instances))
		for i, inst := range p.Instances {
			out.Instances[i] = inst.clone()
		}
	}
	return out
}

func (i Instance) clone() Instance {
	out := i
	if i.Models != nil {
		out.Models = append([]string{}, i.Models...)
	}
	out.Extra = cloneRaw(i.Extra)
	return out
}

// HasModel reports whether id is on the allow-list.
func (i Instance) HasModel(id string) bool {
	for _, m := range i.Models {
		if m == id {
			return true
		}
	}
	return false
}

// SortedModels is the display order of the allow-list.
func (i Instance) SortedModels() []string {
	out := append([]string{}, i.Models...)
	sort.Strings(out)
	return out
}

func (i Instance) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(i.Extra)+5)
	for k, v := range i.Extra {
		m[k] = v
	}
	m["id"] = i.ID
	m["name"] = i.Name
	m["apiKey"] = i.APIKey
	m["baseUrl"] = i.BaseURL
	if i.Models != nil {
		m["models"] = i.Models
	}
	return json.Marshal(m)
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*i = instanceFromFields(fields)
	return nil
}

func (p ProviderConfig) MarshalJSON() ([]byte, error) {
	if p.Raw != nil {
		return p.Raw, nil
	}
	m := make(map[string]interface{}, len(p.Extra)+1)
	for k, v := range p.Extra {
		m[k] = v
	}
	if p.Instances != nil {
		m["instances"] = p.Instances
	}
	return json.Marshal(m)
}

func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	*p = migrateEntry(data)
	return nil
}

// MaskAPIKey keeps the first and last four characters of long keys.
func MaskAPIKey(key string) string {
	if len(key) <= 12 {
		if key == "" {
			return ""
		}
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return json.RawMessage(buf.Bytes())
}
