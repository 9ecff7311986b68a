// Package api implements the REST polling collector.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector/ratelimit"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/logging"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

const maxBodyBytes = 32 << 20

// Config controls the API collector.
type Config struct {
	// BaseURL is joined with the job's "endpoint" parameter when no absolute "url" is given.
	BaseURL   string
	APIKey    string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	RateLimit ratelimit.Config
}

// Collector fetches JSON from REST endpoints and emits one record per object.
type Collector struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	clock   pipeline.Clock
	logger  *zap.Logger
}

// New builds a Collector. A nil client gets a pooled default transport.
func New(cfg Config, client *http.Client, clock pipeline.Clock, logger *zap.Logger) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		cfg:     cfg,
		client:  client,
		limiter: ratelimit.New(cfg.RateLimit),
		clock:   clock,
		logger:  logger,
	}
}

// Capabilities reports rate limiting and whether requests carry credentials.
func (c *Collector) Capabilities() pipeline.Capabilities {
	return pipeline.Capabilities{
		RateLimited:     c.limiter.Enabled(),
		RequiresSession: c.cfg.APIKey != "" || c.cfg.Username != "",
	}
}

// request is the decoded job payload.
type request struct {
	URL         string
	Method      string
	Params      map[string]any
	Body        any
	Headers     map[string]any
	RecordsPath string
}

func parseRequest(job pipeline.Job, baseURL string) (request, error) {
	req := request{
		URL:         job.PayloadString("url"),
		Method:      strings.ToUpper(job.PayloadString("method")),
		Body:        job.Payload["body"],
		RecordsPath: job.PayloadString("records_path"),
	}
	if req.URL == "" {
		endpoint := job.PayloadString("endpoint")
		if endpoint == "" || baseURL == "" {
			return request{}, errors.New("payload needs url, or endpoint with a configured base url")
		}
		req.URL = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return request{}, fmt.Errorf("invalid url %q", req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return request{}, fmt.Errorf("unsupported method %q", req.Method)
	}
	if raw, ok := job.Payload["params"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return request{}, errors.New("params must be an object")
		}
		req.Params = m
	}
	if raw, ok := job.Payload["headers"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return request{}, errors.New("headers must be an object")
		}
		req.Headers = m
	}
	return req, nil
}

// session carries the per-fetch credentials and owns the response body.
type session struct {
	cfg  Config
	resp *http.Response
}

func (s *session) prepare(req *http.Request) {
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
}

// close drains and releases the response so the connection can be reused.
func (s *session) close() {
	if s.resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(s.resp.Body, 64<<10))
	_ = s.resp.Body.Close()
	s.resp = nil
}

// Fetch performs the request described by the job payload.
func (c *Collector) Fetch(ctx context.Context, job pipeline.Job) ([]pipeline.RawRecord, error) {
	const op = "api fetch"
	req, err := parseRequest(job, c.cfg.BaseURL)
	if err != nil {
		return nil, pipeline.Permanent(op, err)
	}
	if err := c.limiter.Wait(ctx, req.URL); err != nil {
		return nil, pipeline.Transient(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, pipeline.Permanent(op, err)
	}
	s := &session{cfg: c.cfg}
	defer s.close()
	s.prepare(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		logging.Trace(c.logger, req.Method, start, zap.String("url", req.URL), zap.Error(err))
		return nil, classifyTransport(op, err)
	}
	s.resp = resp
	logging.Trace(c.logger, req.Method, start, zap.String("url", req.URL), zap.Int("status", resp.StatusCode))
	if err := statusError(op, resp.StatusCode); err != nil {
		return nil, err
	}

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, pipeline.Transient(op, fmt.Errorf("read body: %w", err))
		}
		return nil, pipeline.Permanent(op, fmt.Errorf("decode json: %w", err))
	}
	objects, err := extractRecords(body, req.RecordsPath)
	if err != nil {
		return nil, pipeline.Permanent(op, err)
	}
	fetchedAt := c.clock.Now()
	records := make([]pipeline.RawRecord, 0, len(objects))
	for _, obj := range objects {
		records = append(records, pipeline.RawRecord{SourceJobID: job.ID, Fields: obj, FetchedAt: fetchedAt})
	}
	return records, nil
}

func (c *Collector) buildRequest(ctx context.Context, req request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, fmt.Sprint(v))
	}
	return httpReq, nil
}

// extractRecords returns the objects at path (dot separated), a top-level
// array, or the single top-level object.
func extractRecords(body any, path string) ([]map[string]any, error) {
	node := body
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("records_path %q: %q is not inside an object", path, part)
			}
			node, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("records_path %q: key %q not found", path, part)
			}
		}
	}
	switch v := node.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %d is %T, not an object", i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("response holds %T, not an object or array", v)
	}
}

func statusError(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return pipeline.Errorf(pipeline.KindTransientFetch, op, "http status %d", code)
	default:
		return pipeline.Errorf(pipeline.KindPermanentFetch, op, "http status %d", code)
	}
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) || urlErr.Timeout() {
			return pipeline.Transient(op, err)
		}
		if strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
			return pipeline.Permanent(op, err)
		}
	}
	return pipeline.Transient(op, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
