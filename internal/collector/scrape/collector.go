// Package scrape implements the browser-capable scraping collector. Pages are
// fetched statically and promoted to a headless render when the job asks for
// it or the page looks like an unrendered single-page app.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector/ratelimit"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/logging"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// DefaultUserAgent identifies the scraper when none is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; PipelineScraper/1.0)"

// Config controls the scraper.
type Config struct {
	UserAgent          string
	Proxy              string
	RespectRobots      bool
	Timeout            time.Duration
	PromotionThreshold int
	// Render enables headless promotion. When false every page is fetched statically.
	Render    bool
	Headless  RenderConfig
	RateLimit ratelimit.Config
}

// Collector scrapes HTML pages into records.
type Collector struct {
	static   *staticFetcher
	render   renderer
	closer   func()
	detector *Detector
	limiter  *ratelimit.Limiter
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New builds a Collector. Chrome is started lazily on the first render.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Collector, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	static, err := newStaticFetcher(cfg.UserAgent, cfg.Proxy, cfg.RespectRobots, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	c := &Collector{
		static:   static,
		detector: NewDetector(cfg.PromotionThreshold),
		limiter:  ratelimit.New(cfg.RateLimit),
		clock:    clock,
		logger:   logger,
		closer:   func() {},
	}
	if cfg.Render {
		if cfg.Headless.UserAgent == "" {
			cfg.Headless.UserAgent = cfg.UserAgent
		}
		if cfg.Headless.Proxy == "" {
			cfg.Headless.Proxy = cfg.Proxy
		}
		r, err := newChromeRenderer(cfg.Headless)
		if err != nil {
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		c.render = r
		c.closer = r.close
	}
	return c, nil
}

// Close stops the headless browser, if one was started.
func (c *Collector) Close() {
	c.closer()
}

// Capabilities reports rate limiting and whether fetches open a browser session.
func (c *Collector) Capabilities() pipeline.Capabilities {
	return pipeline.Capabilities{
		RateLimited:     c.limiter.Enabled(),
		RequiresSession: c.render != nil,
	}
}

// Fetch downloads the job's page and extracts one record per item element.
func (c *Collector) Fetch(ctx context.Context, job pipeline.Job) ([]pipeline.RawRecord, error) {
	const op = "scrape fetch"
	target := job.PayloadString("url")
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, pipeline.Errorf(pipeline.KindPermanentFetch, op, "invalid url %q", target)
	}
	ex, err := parseExtraction(job.PayloadString("item_selector"), job.Payload["fields"])
	if err != nil {
		return nil, pipeline.Permanent(op, err)
	}
	forceRender, _ := job.Payload["render"].(bool)
	if forceRender && c.render == nil {
		return nil, pipeline.Errorf(pipeline.KindPermanentFetch, op, "job requires rendering but headless is disabled")
	}
	if err := c.limiter.Wait(ctx, target); err != nil {
		return nil, pipeline.Transient(op, err)
	}

	p, err := c.load(ctx, target, forceRender)
	if err != nil {
		return nil, err
	}
	items, err := ex.extract(p.Body)
	if err != nil {
		return nil, pipeline.Permanent(op, err)
	}
	fetchedAt := c.clock.Now()
	records := make([]pipeline.RawRecord, 0, len(items))
	for _, fields := range items {
		records = append(records, pipeline.RawRecord{SourceJobID: job.ID, Fields: fields, FetchedAt: fetchedAt})
	}
	c.logger.Debug("page scraped",
		zap.String("job_id", job.ID),
		zap.String("url", p.URL),
		zap.Bool("rendered", p.Rendered),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *Collector) load(ctx context.Context, target string, forceRender bool) (page, error) {
	if forceRender {
		return c.renderPage(ctx, target)
	}
	start := time.Now()
	p, err := c.static.fetch(ctx, target)
	if err != nil {
		logging.Trace(c.logger, "GET", start, zap.String("url", target), zap.Error(err))
		return page{}, classifyStatic(err)
	}
	logging.Trace(c.logger, "GET", start, zap.String("url", target), zap.Int("status", p.StatusCode))
	if c.render == nil || !c.detector.ShouldPromote(p) {
		return p, nil
	}
	rendered, err := c.renderPage(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return page{}, err
		}
		c.logger.Warn("headless promotion failed, using static page", zap.String("url", target), zap.Error(err))
		return p, nil
	}
	return rendered, nil
}

func (c *Collector) renderPage(ctx context.Context, target string) (page, error) {
	const op = "scrape render"
	start := time.Now()
	p, err := c.render.render(ctx, target)
	logging.Trace(c.logger, "render", start, zap.String("url", target), zap.Int("status", p.StatusCode))
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return page{}, err
	case errors.Is(err, errRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return page{}, pipeline.NewError(pipeline.KindRenderTimeout, op, err)
	default:
		return page{}, pipeline.Transient(op, err)
	}
	if p.StatusCode >= 400 {
		ferr := &fetchError{status: p.StatusCode, err: errors.New("rendered document")}
		if ferr.permanent() {
			return page{}, pipeline.Permanent(op, ferr)
		}
		return page{}, pipeline.Transient(op, ferr)
	}
	return p, nil
}

func classifyStatic(err error) error {
	const op = "scrape fetch"
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ferr *fetchError
	if errors.As(err, &ferr) && ferr.permanent() {
		return pipeline.Permanent(op, err)
	}
	return pipeline.Transient(op, err)
}
