package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
)

// Client talks to the generative backend. It carries no base URL or key of
// its own: every call is addressed to a provider.Target.
type Client struct {
	client *resty.Client
}

// NewClient returns a Client without a request timeout and without retries;
// streaming generations may run for minutes and are cancelled by context.
func NewClient() *Client {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTransport(http.DefaultTransport.(*http.Transport).Clone())
	return &Client{client: client}
}

func endpoint(t provider.Target, path string) string {
	return strings.TrimRight(t.BaseURL, "/") + path
}

// OpenStream issues the streaming POST and returns the response body once
// the backend has answered with 2xx. The caller owns the body.
func (c *Client) OpenStream(ctx context.Context, t provider.Target, path string, body any) (io.ReadCloser, error) {
	url := endpoint(t, path)
	klog.V(logging.DEBUG).Infof("Opening stream to %s", url)

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(t.APIKey).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(url)
	if err != nil {
		return nil, c.handleRequestError(ctx, err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		defer raw.Close()
		b, _ := io.ReadAll(raw)
		return nil, handleErrorResponse(resp.StatusCode(), b)
	}
	return raw, nil
}

// Stop calls a backend stop RPC for one generation.
func (c *Client) Stop(ctx context.Context, t provider.Target, path, user string) error {
	url := endpoint(t, path)
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(t.APIKey).
		SetBody(map[string]string{"user": user}).
		Post(url)
	if err != nil {
		return c.handleRequestError(ctx, err)
	}
	if resp.IsError() {
		return handleErrorResponse(resp.StatusCode(), resp.Body())
	}
	klog.V(logging.INFO).Infof("Backend stop accepted for %s", url)
	return nil
}

// Info fetches the application's name, description and tags.
func (c *Client) Info(ctx context.Context, t provider.Target) (*provider.AppInfo, error) {
	if t.BaseURL == "" {
		return nil, provider.MissingParameter("base_url")
	}
	if t.APIKey == "" {
		return nil, provider.MissingParameter("api_key")
	}

	var info provider.AppInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(t.APIKey).
		SetResult(&info).
		Get(endpoint(t, "/info"))
	if err != nil {
		return nil, c.handleRequestError(ctx, err)
	}
	if resp.IsError() {
		return nil, handleErrorResponse(resp.StatusCode(), resp.Body())
	}
	return &info, nil
}

func (c *Client) handleRequestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		klog.V(logging.INFO).Infof("Backend request cancelled")
		return &provider.Error{Kind: provider.KindCancelled, Message: "request cancelled", Cause: err}
	}
	klog.V(logging.INFO).Infof("Backend request failed with network error: %v", err)
	return provider.Transport(err)
}

// handleErrorResponse keeps the raw body and, when the backend sent its JSON
// error shape, the decoded message.
func handleErrorResponse(statusCode int, body []byte) *provider.Error {
	var errorResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Message != "" {
		message = errorResp.Message
		if errorResp.Code != "" {
			message = fmt.Sprintf("%s: %s", errorResp.Code, errorResp.Message)
		}
	}

	klog.V(logging.INFO).Infof("Backend rejected request with status=%d, message=%s", statusCode, message)

	return &provider.Error{
		Kind:       provider.KindBackendRejected,
		Message:    message,
		StatusCode: statusCode,
		Body:       string(body),
	}
}
