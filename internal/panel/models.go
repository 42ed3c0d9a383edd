package panel

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"github.com/pysugar/notedeck/internal/version"
	"go.uber.org/zap"
)

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.Catalog.List()})
}

type instanceView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	APIKey   string   `json:"apiKey"`
	HasKey   bool     `json:"hasKey"`
	BaseURL  string   `json:"baseUrl"`
	Models   []string `json:"models"`
	AllowAll bool     `json:"allowAll"`
}

type providerView struct {
	Provider  string         `json:"provider"`
	Known     bool           `json:"known"`
	Instances []instanceView `json:"instances"`
}

func viewInstance(inst modelconfig.Instance) instanceView {
	return instanceView{
		ID:       inst.ID,
		Name:     inst.Name,
		APIKey:   modelconfig.MaskAPIKey(inst.APIKey),
		HasKey:   inst.APIKey != "",
		BaseURL:  inst.BaseURL,
		Models:   inst.SortedModels(),
		AllowAll: inst.Models == nil,
	}
}

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs := s.Configs.Snapshot()
	out := make([]providerView, 0, len(configs))
	for _, key := range configs.Keys() {
		pv := providerView{
			Provider:  key,
			Known:     s.Catalog.Known(catalog.ProviderType(key)),
			Instances: []instanceView{},
		}
		for _, inst := range configs[key].Instances {
			pv.Instances = append(pv.Instances, viewInstance(inst))
		}
		out = append(out, pv)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request) {
	var in modelconfig.InstanceInput
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	provider := catalog.Normalize(chi.URLParam(r, "provider"))
	inst, err := s.Configs.AddInstance(r.Context(), provider, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("instance added", zap.String("provider", string(provider)), zap.String("instance", inst.ID))
	writeJSON(w, http.StatusCreated, viewInstance(inst))
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	var patch modelconfig.InstancePatch
	if err := decodeJSON(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	provider := catalog.ProviderType(chi.URLParam(r, "provider"))
	inst, err := s.Configs.UpdateInstance(r.Context(), provider, chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

func (s *Server) removeInstance(w http.ResponseWriter, r *http.Request) {
	provider := catalog.ProviderType(chi.URLParam(r, "provider"))
	if err := s.Configs.RemoveInstance(r.Context(), provider, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) testInstance(w http.ResponseWriter, r *http.Request) {
	provider := catalog.ProviderType(chi.URLParam(r, "provider"))
	msg, err := s.Resolver.TestConnection(r.Context(), provider, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": msg})
}

type modelsResponse struct {
	modelcatalog.Result
	Selected string `json:"selected"`
}

// resolve runs one resolution pass, reconciles the selection against it and
// announces the new list.
func (s *Server) resolve(ctx context.Context, refresh bool) (modelsResponse, error) {
	if refresh {
		s.Resolver.Invalidate(ctx)
	}
	res, err := s.Resolver.Resolve(ctx)
	if err != nil {
		return modelsResponse{}, err
	}
	selected, _, err := s.Selection.Reconcile(ctx, res.Models)
	if err != nil {
		s.logger.Warn("reconcile selection failed", zap.Error(err))
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(ctx, events.TopicModels, "", map[string]int{"count": len(res.Models)})
	}
	if res.Models == nil {
		res.Models = []modelcatalog.ResolvedModel{}
	}
	return modelsResponse{Result: res, Selected: selected}, nil
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "1" || r.URL.Query().Get("refresh") == "true"
	resp, err := s.resolve(r.Context(), refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSelected(w http.ResponseWriter, r *http.Request) {
	resp, err := s.resolve(r.Context(), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := map[string]interface{}{"id": nil}
	if m, ok := s.Selection.Current(resp.Models); ok {
		out["id"] = m.ID
		out["model"] = m
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) putSelected(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	models, err := s.Resolver.ListModels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Selection.Select(r.Context(), body.ID, models); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": body.ID})
}
