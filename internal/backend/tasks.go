package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"
)

// ModelConfig is the model selection attached to uploads and regenerations.
type ModelConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language,omitempty"`
}

// Ready reports whether t carries at least one segment.
func (t *Transcript) Ready() bool {
	return t != nil && len(t.Segments) > 0
}

// TaskSummary is one row of GET /tasks. CreatedAt is kept as the backend's string.
type TaskSummary struct {
	ID        string `json:"task_id"`
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Markdown  string `json:"markdown,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TaskDetail is the GET /task/{id} payload.
type TaskDetail struct {
	ID         string      `json:"task_id"`
	Filename   string      `json:"filename"`
	Status     string      `json:"status"`
	Markdown   string      `json:"markdown,omitempty"`
	Transcript *Transcript `json:"transcript,omitempty"`
	CreatedAt  string      `json:"created_at,omitempty"`
	UpdatedAt  string      `json:"updated_at,omitempty"`
}

type UploadResult struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

// UploadInput describes a multipart upload. Size is informational.
type UploadInput struct {
	Filename    string
	Reader      io.Reader
	Screenshot  bool
	ModelConfig *ModelConfig
}

func (c *Client) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if in.Filename == "" {
		return UploadResult{}, &ValidationError{Field: "file", Reason: "missing file name"}
	}
	if in.Reader == nil {
		return UploadResult{}, &ValidationError{Field: "file", Reason: "missing content"}
	}
	form := map[string]string{"screenshot": strconv.FormatBool(in.Screenshot)}
	if in.ModelConfig != nil {
		raw, err := json.Marshal(in.ModelConfig)
		if err != nil {
			return UploadResult{}, err
		}
		form["model_config"] = string(raw)
	}
	res, _, err := callEnvelope[UploadResult](ctx, c, c.upload, "upload", http.MethodPost, "/upload", func(r *resty.Request) {
		r.SetFileReader("file", in.Filename, in.Reader).SetFormData(form)
	})
	return res, err
}

func (c *Client) ListTasks(ctx context.Context, limit int) ([]TaskSummary, error) {
	res, _, err := callEnvelope[[]TaskSummary](ctx, c, c.http, "list tasks", http.MethodGet, "/tasks", func(r *resty.Request) {
		if limit > 0 {
			r.SetQueryParam("limit", strconv.Itoa(limit))
		}
	})
	return res, err
}

func (c *Client) GetTask(ctx context.Context, id string) (TaskDetail, error) {
	res, _, err := callEnvelope[TaskDetail](ctx, c, c.http, "get task", http.MethodGet, "/task/"+url.PathEscape(id), nil)
	if err == nil && res.ID == "" {
		res.ID = id
	}
	return res, err
}

func (c *Client) ConfirmStep(ctx context.Context, id, step string) error {
	_, _, err := callEnvelope[json.RawMessage](ctx, c, c.http, "confirm step", http.MethodPost, "/task/"+url.PathEscape(id)+"/confirm_step", func(r *resty.Request) {
		r.SetBody(map[string]string{"step": step})
	})
	return err
}

// RegenerateInput is the body of POST /task/{id}/regenerate.
type RegenerateInput struct {
	ModelConfig *ModelConfig `json:"modelConfig,omitempty"`
	Style       string       `json:"style,omitempty"`
}

func (c *Client) Regenerate(ctx context.Context, id string, in RegenerateInput) error {
	_, _, err := callEnvelope[json.RawMessage](ctx, c, c.http, "regenerate", http.MethodPost, "/task/"+url.PathEscape(id)+"/regenerate", func(r *resty.Request) {
		r.SetBody(in)
	})
	return err
}

// DeleteTask returns the backend's confirmation message.
func (c *Client) DeleteTask(ctx context.Context, id string) (string, error) {
	_, msg, err := callEnvelope[json.RawMessage](ctx, c, c.http, "delete task", http.MethodDelete, "/task/"+url.PathEscape(id), nil)
	return msg, err
}
