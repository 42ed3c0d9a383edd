// Package backend is the REST client for the video-notes backend: task, model and
// bulk-download endpoints.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/version"
	"go.uber.org/zap"
)

// CodeOK is the envelope code of a successful call.
const CodeOK = 200

// APIError is a failure the backend reported: either a non-200 envelope code inside a
// 2xx response, or an HTTP error status.
type APIError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != 0 && e.Code != CodeOK {
		return fmt.Sprintf("%s: backend returned code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: backend returned HTTP %d", e.Op, e.Status)
}

// IsLogical reports whether err was reported by the backend rather than the transport.
func IsLogical(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Message returns the text to show a user for err, preferring backend-provided text.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ValidationError rejects a request before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Options struct {
	BaseURL       string
	Timeout       time.Duration
	UploadTimeout time.Duration
	RetryCount    int
	// HTTPClient replaces the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	http    *resty.Client
	upload  *resty.Client
	baseURL string
	logger  *zap.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 5 * time.Minute
	}
	logger := logging.OrNop(opts.Logger)
	base := strings.TrimRight(opts.BaseURL, "/")

	c := &Client{baseURL: base, logger: logger}
	c.http = c.newResty(opts.HTTPClient, opts.Timeout)
	c.http.SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(retryIdempotent)
	c.upload = c.newResty(opts.HTTPClient, opts.UploadTimeout)
	return c
}

func (c *Client) newResty(hc *http.Client, timeout time.Duration) *resty.Client {
	var r *resty.Client
	if hc != nil {
		r = resty.NewWithClient(hc)
	} else {
		r = resty.New()
	}
	return r.SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("Accept", "application/json")
}

// BaseURL is the backend root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// retryIdempotent retries GETs on transport errors and 5xx; nothing else is retried.
func retryIdempotent(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || r.StatusCode() >= 500
}

func (c *Client) request(ctx context.Context, rc *resty.Client) *resty.Request {
	req := rc.R().SetContext(ctx)
	if id := logging.GetRequestID(ctx); id != "" {
		req.SetHeader(logging.HeaderRequestID, id)
	}
	return req
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type errorBody struct {
	Detail  interface{} `json:"detail"`
	Msg     string      `json:"msg"`
	Message string      `json:"message"`
}

func (b errorBody) text() string {
	switch d := b.Detail.(type) {
	case string:
		if d != "" {
			return d
		}
	case nil:
	default:
		return fmt.Sprint(d)
	}
	if b.Msg != "" {
		return b.Msg
	}
	return b.Message
}

// callEnvelope performs a {code,msg,data} call and unwraps data.
func callEnvelope[T any](ctx context.Context, c *Client, rc *resty.Client, op, method, path string, prepare func(*resty.Request)) (T, string, error) {
	var zero T
	var env envelope[T]
	var errBody errorBody

	req := c.request(ctx, rc).SetResult(&env).SetError(&errBody)
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn("backend call failed", zap.String("op", op), logging.RequestIDField(ctx), zap.Error(err))
		return zero, "", fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		c.logger.Warn("backend http error",
			zap.String("op", op), zap.Int("status", resp.StatusCode()),
			zap.String("body", logging.TruncateBytes(resp.Body())), logging.RequestIDField(ctx))
		return zero, "", &APIError{Op: op, Status: resp.StatusCode(), Message: errBody.text()}
	}
	if env.Code != CodeOK {
		c.logger.Info("backend rejected call", zap.String("op", op), zap.Int("code", env.Code), zap.String("msg", env.Msg))
		return zero, env.Msg, &APIError{Op: op, Status: resp.StatusCode(), Code: env.Code, Message: env.Msg}
	}
	return env.Data, env.Msg, nil
}

type successEnvelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// callSuccess performs a {success,data,message} call; failures arrive as HTTP errors
// with a detail field.
func callSuccess[T any](ctx context.Context, c *Client, op, method, path string, prepare func(*resty.Request)) (successEnvelope[T], error) {
	var env successEnvelope[T]
	var errBody errorBody

	req := c.request(ctx, c.http).SetResult(&env).SetError(&errBody)
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn("backend call failed", zap.String("op", op), logging.RequestIDField(ctx), zap.Error(err))
		return env, fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		c.logger.Warn("backend http error",
			zap.String("op", op), zap.Int("status", resp.StatusCode()),
			zap.String("body", logging.TruncateBytes(resp.Body())), logging.RequestIDField(ctx))
		return env, &APIError{Op: op, Status: resp.StatusCode(), Message: errBody.text()}
	}
	if !env.Success {
		return env, &APIError{Op: op, Status: resp.StatusCode(), Message: env.Message}
	}
	return env, nil
}
