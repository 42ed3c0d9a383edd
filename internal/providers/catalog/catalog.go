package catalog

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ProviderType is a class of LLM backend. The built-in set is closed; files and the
// backend's /providers list may add more.
type ProviderType string

const (
	OpenAI   ProviderType = "openai"
	DeepSeek ProviderType = "deepseek"
	Qwen     ProviderType = "qwen"
	Claude   ProviderType = "claude"
	Gemini   ProviderType = "gemini"
	Groq     ProviderType = "groq"
	Ollama   ProviderType = "ollama"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Capability is resolved once per provider type; call sites never branch on the
// provider name themselves.
type Capability struct {
	Type           ProviderType `json:"id"`
	DisplayName    string       `json:"name"`
	DefaultBaseURL string       `json:"base_url"`
	RequiresAPIKey bool         `json:"requires_api_key"`
	Enabled        bool         `json:"enabled"`
	Builtin        bool         `json:"builtin"`
}

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one entry of a catalog YAML file. Unset fields keep the built-in value.
type ProviderConfig struct {
	ID             string `yaml:"id"`
	DisplayName    string `yaml:"display_name"`
	BaseURL        string `yaml:"base_url"`
	RequiresAPIKey *bool  `yaml:"requires_api_key"`
	Enabled        *bool  `yaml:"enabled"`
}

// RemoteProvider is the shape of the backend's GET /providers items.
type RemoteProvider struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

type Catalog struct {
	mu     sync.RWMutex
	byType map[ProviderType]Capability
}

// Builtin returns a catalog holding only the built-in provider types.
func Builtin() *Catalog {
	c := &Catalog{byType: make(map[ProviderType]Capability)}
	for _, capability := range builtinProviders() {
		c.byType[capability.Type] = capability
	}
	return c
}

// Load returns the built-in catalog overlaid with the YAML file at path (if any) and
// NOTEDECK_PROVIDER_<ID>_BASE_URL overrides.
func Load(path string) (*Catalog, error) {
	c := Builtin()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("failed to read provider catalog %q: %w", path, err)
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return c, fmt.Errorf("failed to parse provider catalog %q: %w", path, err)
		}
		for _, p := range cfg.Providers {
			c.apply(p)
		}
	}

	c.applyEnv()
	return c, nil
}

// applyEnv lets NOTEDECK_PROVIDER_<ID>_BASE_URL win over every other source.
func (c *Catalog) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t, capability := range c.byType {
		if v := strings.TrimSpace(os.Getenv(providerEnvName(string(t), "BASE_URL"))); v != "" {
			capability.DefaultBaseURL = v
			c.byType[t] = capability
		}
	}
}

func (c *Catalog) apply(p ProviderConfig) {
	id := Normalize(p.ID)
	if !providerIDRegexp.MatchString(string(id)) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	capability, ok := c.byType[id]
	if !ok {
		capability = Capability{Type: id, DisplayName: string(id), RequiresAPIKey: true, Enabled: true}
	}
	if v := strings.TrimSpace(p.DisplayName); v != "" {
		capability.DisplayName = v
	}
	if v := strings.TrimSpace(p.BaseURL); v != "" {
		capability.DefaultBaseURL = v
	}
	if p.RequiresAPIKey != nil {
		capability.RequiresAPIKey = *p.RequiresAPIKey
	}
	if p.Enabled != nil {
		capability.Enabled = *p.Enabled
	}
	c.byType[id] = capability
}

// Reconcile merges the backend's provider list into the catalog. Known types take the
// backend's name and endpoint; unknown ones are added as key-requiring providers.
// Environment base URL overrides still win afterwards.
func (c *Catalog) Reconcile(remote []RemoteProvider) {
	for _, r := range remote {
		c.apply(ProviderConfig{ID: r.ID, DisplayName: r.Name, BaseURL: r.BaseURL})
	}
	c.applyEnv()
}

// Lookup returns the capability record of t.
func (c *Catalog) Lookup(t ProviderType) (Capability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capability, ok := c.byType[Normalize(string(t))]
	return capability, ok
}

// Known reports whether t is in the catalog.
func (c *Catalog) Known(t ProviderType) bool {
	_, ok := c.Lookup(t)
	return ok
}

// List returns all provider types, built-ins first in their canonical order.
func (c *Catalog) List() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	order := make(map[ProviderType]int)
	for i, b := range builtinProviders() {
		order[b.Type] = i
	}

	result := make([]Capability, 0, len(c.byType))
	for _, capability := range c.byType {
		result = append(result, capability)
	}
	sort.SliceStable(result, func(i, j int) bool {
		oi, iBuiltin := order[result[i].Type]
		oj, jBuiltin := order[result[j].Type]
		switch {
		case iBuiltin && jBuiltin:
			return oi < oj
		case iBuiltin != jBuiltin:
			return iBuiltin
		default:
			return result[i].Type < result[j].Type
		}
	})
	return result
}

// BaseURLFor returns override when set, otherwise the default endpoint of t.
func (c *Catalog) BaseURLFor(t ProviderType, override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	capability, _ := c.Lookup(t)
	return capability.DefaultBaseURL
}

// NeedsAPIKey reports whether an instance of t at baseURL must carry a credential.
// Types that declare no key requirement and loopback/private endpoints never need one.
// Unknown types do.
func (c *Catalog) NeedsAPIKey(t ProviderType, baseURL string) bool {
	if capability, ok := c.Lookup(t); ok && !capability.RequiresAPIKey {
		return false
	}
	if IsLocalBaseURL(baseURL) {
		return false
	}
	return true
}

// IsLocalBaseURL reports whether raw points at localhost or a private network address.
func IsLocalBaseURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// Normalize lower-cases and trims a provider id.
func Normalize(id string) ProviderType {
	return ProviderType(strings.ToLower(strings.TrimSpace(id)))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("NOTEDECK_PROVIDER_%s_%s", upper, suffix)
}

func builtinProviders() []Capability {
	return []Capability{
		{Type: OpenAI, DisplayName: "OpenAI", DefaultBaseURL: "https://api.openai.com/v1", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: DeepSeek, DisplayName: "DeepSeek", DefaultBaseURL: "https://api.deepseek.com", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: Qwen, DisplayName: "Qwen", DefaultBaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: Claude, DisplayName: "Claude", DefaultBaseURL: "https://api.anthropic.com/v1", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: Gemini, DisplayName: "Gemini", DefaultBaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: Groq, DisplayName: "Groq", DefaultBaseURL: "https://api.groq.com/openai/v1", RequiresAPIKey: true, Enabled: true, Builtin: true},
		{Type: Ollama, DisplayName: "Ollama", DefaultBaseURL: "http://127.0.0.1:11434/v1", RequiresAPIKey: false, Enabled: true, Builtin: true},
	}
}
