package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/pysugar/notedeck/internal/logging"
	"go.uber.org/zap"
)

// VideoFile is one entry of the backend's local video library: an upload or a
// finished bulk download.
type VideoFile struct {
	Filename   string         `json:"filename"`
	Path       string         `json:"path"`
	Size       int64          `json:"size"`
	ModifiedAt string         `json:"modified_at"`
	Source     string         `json:"source"`
	Metadata   *VideoFileMeta `json:"metadata,omitempty"`
}

type VideoFileMeta struct {
	Title   string `json:"title,omitempty"`
	BVID    string `json:"bv_id,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// VideoFiles lists the library, newest first as the backend orders it.
func (c *Client) VideoFiles(ctx context.Context) ([]VideoFile, error) {
	env, err := callSuccess[[]VideoFile](ctx, c, "list video files", http.MethodGet, "/files/videos", nil)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return []VideoFile{}, nil
	}
	return env.Data, nil
}

// Export is a document streamed from the backend. The caller closes Body.
type Export struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// ExportPDF opens the rendered PDF of a task. The body is not buffered.
func (c *Client) ExportPDF(ctx context.Context, id string) (*Export, error) {
	const op = "export pdf"
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "task id", Reason: "empty"}
	}
	resp, err := c.request(ctx, c.upload).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/pdf").
		Get("/task/" + url.PathEscape(id) + "/export_pdf")
	if err != nil {
		c.logger.Warn("backend call failed", zap.String("op", op), logging.RequestIDField(ctx), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	body := resp.RawBody()
	ctype := resp.Header().Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ctype)

	if resp.IsError() || mediaType == "application/json" {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		return nil, exportError(op, resp.StatusCode(), raw)
	}

	export := &Export{Body: body, ContentType: ctype, Filename: id + ".pdf", Size: -1}
	if ctype == "" {
		export.ContentType = "application/pdf"
	}
	if resp.RawResponse != nil {
		export.Size = resp.RawResponse.ContentLength
	}
	if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil && params["filename"] != "" {
		export.Filename = params["filename"]
	}
	return export, nil
}

// exportError turns a JSON reply to a file request into an APIError. A 2xx JSON
// reply is an envelope whose code says why no file came back.
func exportError(op string, status int, raw []byte) error {
	var env envelope[json.RawMessage]
	var errBody errorBody
	_ = json.Unmarshal(raw, &env)
	_ = json.Unmarshal(raw, &errBody)

	apiErr := &APIError{Op: op, Status: status, Message: errBody.text()}
	if status < 300 {
		apiErr.Code = env.Code
		if env.Msg != "" {
			apiErr.Message = env.Msg
		}
		if apiErr.Code == CodeOK || apiErr.Code == 0 {
			apiErr.Code = 0
			if apiErr.Message == "" {
				apiErr.Message = op + ": backend returned no file"
			}
		}
	}
	return apiErr
}
