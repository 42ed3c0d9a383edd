package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// ModelQuery identifies one credential set to enumerate models for.
type ModelQuery struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
}

type ModelInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	SupportsVision bool   `json:"supportsVision,omitempty"`
}

// UnmarshalJSON also accepts vision support nested under capabilities.
func (m *ModelInfo) UnmarshalJSON(data []byte) error {
	type plain ModelInfo
	var aux struct {
		plain
		Capabilities *struct {
			SupportsVision bool `json:"supportsVision"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ModelInfo(aux.plain)
	if aux.Capabilities != nil && aux.Capabilities.SupportsVision {
		m.SupportsVision = true
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	return nil
}

type ProviderInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Logo    string `json:"logo,omitempty"`
	BaseURL string `json:"base_url"`
}

func (c *Client) ListModels(ctx context.Context, q ModelQuery) ([]ModelInfo, error) {
	res, _, err := callEnvelope[[]ModelInfo](ctx, c, c.http, "list models", http.MethodPost, "/models/list", func(r *resty.Request) {
		r.SetBody(q)
	})
	return res, err
}

// TestModel checks connectivity for q and returns the backend's message.
func (c *Client) TestModel(ctx context.Context, q ModelQuery) (string, error) {
	_, msg, err := callEnvelope[json.RawMessage](ctx, c, c.http, "test models", http.MethodPost, "/models/test", func(r *resty.Request) {
		r.SetBody(q)
	})
	return msg, err
}

func (c *Client) Providers(ctx context.Context) ([]ProviderInfo, error) {
	res, _, err := callEnvelope[[]ProviderInfo](ctx, c, c.http, "list providers", http.MethodGet, "/providers", nil)
	return res, err
}
