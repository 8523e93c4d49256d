package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

// Headers that describe a single connection and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// ForwardRequest is an intercepted request, body already buffered.
type ForwardRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ForwardResponse is what the analysis service answered.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx answer.
func (r *ForwardResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// AnalyzerClient forwards requests to the remote analysis service.
type AnalyzerClient struct {
	config *config.UpstreamConfig
	client *retryablehttp.Client
}

func NewAnalyzerClient(cfg *config.UpstreamConfig) *AnalyzerClient {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.CheckRetry = retryTransportErrors
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.Timeout

	return &AnalyzerClient{config: cfg, client: client}
}

// retryTransportErrors retries only when no response arrived at all.
func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// URL returns the upstream address for an intercepted path and query.
func (c *AnalyzerClient) URL(path, rawQuery string) string {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Forward sends req to the analysis service unmodified apart from
// hop-by-hop headers. Any failure to obtain a complete response wraps
// model.ErrTransportFailure; HTTP error statuses are returned as responses.
func (c *AnalyzerClient) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, c.URL(req.Path, req.RawQuery), req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = endToEndHeader(req.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", model.ErrTransportFailure, err)
	}

	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     endToEndHeader(resp.Header),
		Body:       body,
	}, nil
}

// endToEndHeader copies h without the hop-by-hop fields.
func endToEndHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, f := range out.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
