package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
)

type Video struct {
	ID        int64  `json:"id"`
	BVID      string `json:"bv_id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// DownloadStatus is the worker projection shared by the status endpoint and the
// stream's progress messages.
type DownloadStatus struct {
	Status       string  `json:"status"`
	TaskID       string  `json:"task_id,omitempty"`
	CurrentVideo string  `json:"current_video,omitempty"`
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Progress     float64 `json:"progress"`
}

type HistoryEntry struct {
	ID           int64  `json:"id"`
	BVID         string `json:"bv_id"`
	Title        string `json:"title,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	DownloadedAt string `json:"downloaded_at,omitempty"`
}

// DownloadConfig mirrors /bili/config. Nil fields are left unchanged on update.
type DownloadConfig struct {
	VideoQuality     *int    `json:"video_quality,omitempty"`
	DownloadPath     *string `json:"download_path,omitempty"`
	DownloadInterval *int    `json:"download_interval,omitempty"`
	Headless         *bool   `json:"headless,omitempty"`
}

func (c *Client) BiliVideos(ctx context.Context) ([]Video, error) {
	env, err := callSuccess[[]Video](ctx, c, "list videos", http.MethodGet, "/bili/videos", nil)
	return env.Data, err
}

func (c *Client) AddBiliVideo(ctx context.Context, rawURL string) (Video, error) {
	env, err := callSuccess[Video](ctx, c, "add video", http.MethodPost, "/bili/videos", func(r *resty.Request) {
		r.SetBody(map[string]string{"url": rawURL})
	})
	return env.Data, err
}

func (c *Client) DeleteBiliVideo(ctx context.Context, id int64) error {
	_, err := callSuccess[struct{}](ctx, c, "delete video", http.MethodDelete, "/bili/videos/"+strconv.FormatInt(id, 10), nil)
	return err
}

func (c *Client) ClearBiliVideos(ctx context.Context) error {
	_, err := callSuccess[struct{}](ctx, c, "clear videos", http.MethodDelete, "/bili/videos", nil)
	return err
}

// StartDownload starts the worker on ids, or on every pending video when ids is empty.
// It returns the backend's message.
func (c *Client) StartDownload(ctx context.Context, ids ...int64) (string, error) {
	env, err := callSuccess[struct{}](ctx, c, "start download", http.MethodPost, "/bili/download/start", func(r *resty.Request) {
		if len(ids) > 0 {
			r.SetBody(map[string][]int64{"video_ids": ids})
		} else {
			r.SetBody(map[string]any{})
		}
	})
	return env.Message, err
}

func (c *Client) StopDownload(ctx context.Context) error {
	_, err := callSuccess[struct{}](ctx, c, "stop download", http.MethodPost, "/bili/download/stop", nil)
	return err
}

func (c *Client) DownloadStatus(ctx context.Context) (DownloadStatus, error) {
	env, err := callSuccess[DownloadStatus](ctx, c, "download status", http.MethodGet, "/bili/download/status", nil)
	return env.Data, err
}

func (c *Client) DownloadHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	env, err := callSuccess[[]HistoryEntry](ctx, c, "download history", http.MethodGet, "/bili/history", func(r *resty.Request) {
		if limit > 0 {
			r.SetQueryParam("limit", strconv.Itoa(limit))
		}
	})
	return env.Data, err
}

func (c *Client) BiliConfig(ctx context.Context) (DownloadConfig, error) {
	env, err := callSuccess[DownloadConfig](ctx, c, "get bili config", http.MethodGet, "/bili/config", nil)
	return env.Data, err
}

func (c *Client) UpdateBiliConfig(ctx context.Context, cfg DownloadConfig) error {
	_, err := callSuccess[struct{}](ctx, c, "update bili config", http.MethodPost, "/bili/config", func(r *resty.Request) {
		r.SetBody(cfg)
	})
	return err
}

// StreamURL derives the log stream endpoint from the API base URL.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/bili/logs"
	u.RawQuery = ""
	return u.String(), nil
}
