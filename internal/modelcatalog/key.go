// Package modelcatalog turns the configured provider instances into the flat list of
// models a user can pick from.
package modelcatalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pysugar/notedeck/internal/providers/catalog"
)

var ErrInvalidModelID = errors.New("invalid model id")

// ModelKey addresses one model of one instance. Its string form escapes every segment,
// so it parses back unambiguously even when ids contain separators.
type ModelKey struct {
	Provider   catalog.ProviderType
	InstanceID string
	ModelID    string
}

func (k ModelKey) String() string {
	return url.PathEscape(string(k.Provider)) + "/" + url.PathEscape(k.InstanceID) + "/" + url.PathEscape(k.ModelID)
}

// Legacy renders the dash-joined id older consoles persisted.
func (k ModelKey) Legacy() string {
	return string(k.Provider) + "-" + k.InstanceID + "-" + k.ModelID
}

func ParseModelKey(s string) (ModelKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ModelKey{}, fmt.Errorf("%w: %q", ErrInvalidModelID, s)
	}
	var segs [3]string
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil || v == "" {
			return ModelKey{}, fmt.Errorf("%w: %q", ErrInvalidModelID, s)
		}
		segs[i] = v
	}
	return ModelKey{Provider: catalog.ProviderType(segs[0]), InstanceID: segs[1], ModelID: segs[2]}, nil
}

// ResolvedModel is a model confirmed available and enabled on one instance.
type ResolvedModel struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Provider       catalog.ProviderType `json:"provider"`
	InstanceID     string               `json:"instanceId"`
	InstanceName   string               `json:"instanceName"`
	ModelID        string               `json:"modelId"`
	SupportsVision bool                 `json:"supportsVision,omitempty"`

	displayName string
}

func (m ResolvedModel) Key() ModelKey {
	return ModelKey{Provider: m.Provider, InstanceID: m.InstanceID, ModelID: m.ModelID}
}
