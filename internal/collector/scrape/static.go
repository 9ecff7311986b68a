package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// page is one fetched document.
type page struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
}

// staticFetcher downloads pages over plain HTTP with colly.
type staticFetcher struct {
	base          *colly.Collector
	userAgent     string
	respectRobots bool
	timeout       time.Duration
}

func newStaticFetcher(userAgent, proxy string, respectRobots bool, timeout time.Duration) (*staticFetcher, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if proxy != "" {
		if err := c.SetProxy(proxy); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	c.SetRequestTimeout(timeout)
	return &staticFetcher{
		base:          c,
		userAgent:     userAgent,
		respectRobots: respectRobots,
		timeout:       timeout,
	}, nil
}

// fetch performs a single GET. The cloned collector is the per-call session;
// it shares the base transport but carries no state between calls.
func (f *staticFetcher) fetch(ctx context.Context, url string) (page, error) {
	c := f.base.Clone()
	c.UserAgent = f.userAgent
	c.IgnoreRobotsTxt = !f.respectRobots

	var (
		result   page
		status   int
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		result = page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return page{}, &fetchError{status: status, err: err}
		}
		return result, nil
	}
}

// fetchError carries the HTTP status (0 for transport failures) of a failed fetch.
type fetchError struct {
	status int
	err    error
}

func (e *fetchError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("http status %d: %v", e.status, e.err)
	}
	return e.err.Error()
}

func (e *fetchError) Unwrap() error { return e.err }

// permanent reports whether retrying the fetch cannot help.
func (e *fetchError) permanent() bool {
	switch {
	case errors.Is(e.err, colly.ErrRobotsTxtBlocked),
		errors.Is(e.err, colly.ErrForbiddenDomain),
		errors.Is(e.err, colly.ErrMissingURL):
		return true
	case e.status == 0:
		return false
	case e.status == http.StatusTooManyRequests, e.status == http.StatusRequestTimeout, e.status >= 500:
		return false
	default:
		return e.status >= 400
	}
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
