// Package rss polls RSS and Atom feeds and hands new articles to the
// pipeline as events.
package rss

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/state"
)

const (
	DefaultConcurrency = 4
	DefaultMaxAge      = 7 * 24 * time.Hour
	DefaultMaxPerFeed  = 50
	DefaultTimeout     = 30 * time.Second

	// MaxFailures consecutive failed polls disable a feed until restart.
	MaxFailures = 5

	maxEventContent = 2000
	maxIndexContent = 3000
	userAgent       = "Sentinel/1.0 (+https://github.com/linnemanlabs/sentinel)"
)

// Feed is one configured feed.
type Feed struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// Handler receives one event per new article.
type Handler interface {
	Handle(ctx context.Context, ev event.Event) (pipeline.Outcome, error)
}

// Indexer stores article text for later retrieval.
type Indexer interface {
	Store(ctx context.Context, collection, id, text string, payload map[string]any) error
}

// Report summarizes one poll cycle.
type Report struct {
	Polled   int
	Errored  int
	Ingested int
	Skipped  int
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnFeed func(feed string, ok bool, ingested int)
}

// Poller fetches every configured feed on each Poll.
type Poller struct {
	feeds       []Feed
	tracker     *state.Tracker
	handler     Handler
	index       Indexer
	collection  string
	client      *http.Client
	limiter     *rate.Limiter
	concurrency int
	maxAge      time.Duration
	maxPerFeed  int
	clock       clock.Clock
	logger      log.Logger
	hooks       Hooks

	mu       sync.Mutex
	failures map[string]int
}

// Option configures a Poller.
type Option func(*Poller)

// WithIndex embeds each ingested article into collection.
func WithIndex(idx Indexer, collection string) Option {
	return func(p *Poller) {
		p.index = idx
		p.collection = collection
	}
}

// WithHTTPClient overrides the client used to fetch feeds.
func WithHTTPClient(c *http.Client) Option { return func(p *Poller) { p.client = c } }

// WithRateLimit caps feed requests across all workers.
func WithRateLimit(l *rate.Limiter) Option { return func(p *Poller) { p.limiter = l } }

// WithConcurrency sets how many feeds are fetched at once.
func WithConcurrency(n int) Option { return func(p *Poller) { p.concurrency = n } }

// WithMaxAge drops articles published longer ago than d.
func WithMaxAge(d time.Duration) Option { return func(p *Poller) { p.maxAge = d } }

// WithMaxPerFeed caps articles taken from one feed per poll.
func WithMaxPerFeed(n int) Option { return func(p *Poller) { p.maxPerFeed = n } }

func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

func WithLogger(l log.Logger) Option { return func(p *Poller) { p.logger = l } }

func WithHooks(h Hooks) Option { return func(p *Poller) { p.hooks = h } }

// New returns a Poller for feeds. New articles are gated by tracker
// watermarks and handed to h.
func New(feeds []Feed, tracker *state.Tracker, h Handler, opts ...Option) *Poller {
	p := &Poller{
		feeds:       feeds,
		tracker:     tracker,
		handler:     h,
		client:      &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		concurrency: DefaultConcurrency,
		maxAge:      DefaultMaxAge,
		maxPerFeed:  DefaultMaxPerFeed,
		clock:       clock.Real(),
		logger:      log.Nop(),
		failures:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WatermarkKey is the tracker key for a feed URL.
func WatermarkKey(feedURL string) string {
	return "rss:" + hash(feedURL)
}

// SourceID is the dedup key for an article link.
func SourceID(link string) string {
	return "rss:" + hash(link)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Poll fetches all enabled feeds concurrently. Articles within a feed are
// handled sequentially in published order. A failing feed never aborts the
// others.
func (p *Poller) Poll(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.concurrency, 1))

	for _, f := range p.feeds {
		if p.disabled(f.URL) {
			continue
		}
		g.Go(func() error {
			ingested, skipped, err := p.pollFeed(gctx, f)
			p.record(gctx, f, err, ingested)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errored++
				return nil
			}
			rep.Polled++
			rep.Ingested += ingested
			rep.Skipped += skipped
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info(ctx, "rss poll complete",
		"feeds_polled", rep.Polled,
		"articles_ingested", rep.Ingested,
		"articles_skipped", rep.Skipped,
		"feeds_errored", rep.Errored,
	)
	return rep
}

func (p *Poller) disabled(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[url] >= MaxFailures
}

func (p *Poller) record(ctx context.Context, f Feed, err error, ingested int) {
	if p.hooks.OnFeed != nil {
		p.hooks.OnFeed(f.Name, err == nil, ingested)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures[f.URL] = 0
		return
	}
	p.failures[f.URL]++
	n := p.failures[f.URL]
	p.logger.Warn(ctx, "rss feed fetch failed", "feed", f.Name, "url", f.URL, "failures", n, "error", err)
	if n == MaxFailures {
		p.logger.Warn(ctx, "rss feed disabled", "feed", f.Name, "url", f.URL)
	}
}

type article struct {
	item      *gofeed.Item
	published time.Time
}

func (p *Poller) pollFeed(ctx context.Context, f Feed) (ingested, skipped int, err error) {
	feed, err := p.fetch(ctx, f.URL)
	if err != nil {
		return 0, 0, err
	}
	name := cmp.Or(f.Name, feed.Title, f.URL)
	key := WatermarkKey(f.URL)
	watermark := p.tracker.GetWatermark(ctx, key)
	cutoff := p.clock.Now().Add(-p.maxAge)

	var fresh []article
	for _, it := range feed.Items {
		var pub time.Time
		if it.PublishedParsed != nil {
			pub = *it.PublishedParsed
		} else if it.UpdatedParsed != nil {
			pub = *it.UpdatedParsed
		}
		if !pub.IsZero() && (!pub.After(watermark) || pub.Before(cutoff)) {
			skipped++
			continue
		}
		fresh = append(fresh, article{item: it, published: pub})
	}

	// undated articles go last and never move the watermark
	slices.SortStableFunc(fresh, func(a, b article) int {
		switch {
		case a.published.IsZero() && b.published.IsZero():
			return 0
		case a.published.IsZero():
			return 1
		case b.published.IsZero():
			return -1
		}
		return a.published.Compare(b.published)
	})
	if len(fresh) > p.maxPerFeed {
		skipped += len(fresh) - p.maxPerFeed
		fresh = fresh[:p.maxPerFeed]
	}

	latest := watermark
	for _, a := range fresh {
		if ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(a.item.Link) == "" {
			skipped++
			continue
		}
		ok := p.ingest(ctx, name, a)
		if ok {
			ingested++
		} else {
			skipped++
		}
		if a.published.After(latest) {
			latest = a.published
		}
	}
	if latest.After(watermark) {
		p.tracker.SetWatermark(ctx, key, latest)
	}
	return ingested, skipped, nil
}

func (p *Poller) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: HTTP %d", resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ingest hands one article to the pipeline and the index. It reports
// whether the article was new.
func (p *Poller) ingest(ctx context.Context, feedName string, a article) bool {
	it := a.item
	sourceID := SourceID(it.Link)
	body := markdown(cmp.Or(it.Content, it.Description))
	author := ""
	if it.Author != nil {
		author = it.Author.Name
	}
	published := ""
	if !a.published.IsZero() {
		published = a.published.UTC().Format(time.RFC3339)
	}

	content := fmt.Sprintf("Source: %s\nTitle: %s\nURL: %s\nPublished: %s\n\n%s",
		feedName, it.Title, it.Link, published, clip(body, maxEventContent))
	ev, err := event.New(event.TypeRSS, content, sourceID,
		event.WithTimestamp(a.published),
		event.WithMetadata(map[string]any{
			"feed":   feedName,
			"title":  it.Title,
			"url":    it.Link,
			"author": author,
		}),
	)
	if err != nil {
		p.logger.Warn(ctx, "rss article rejected", "url", it.Link, "error", err)
		return false
	}

	outcome, err := p.handler.Handle(ctx, ev)
	if err != nil {
		p.logger.Warn(ctx, "rss article pipeline failed", "title", clip(it.Title, 60), "error", err)
	}
	if outcome == pipeline.OutcomeDuplicate {
		return false
	}

	if p.index != nil && (it.Title != "" || body != "") {
		date := p.clock.Now().UTC()
		if !a.published.IsZero() {
			date = a.published.UTC()
		}
		text := strings.TrimSpace(fmt.Sprintf("[RSS] %s: %s\n%s", feedName, it.Title, clip(body, maxIndexContent)))
		payload := map[string]any{
			"text":          text,
			"source":        "rss",
			"feed_title":    feedName,
			"article_title": clip(it.Title, 200),
			"url":           it.Link,
			"author":        author,
			"published":     published,
			"content_type":  "article",
			"label":         "rss:" + clip(it.Title, 80),
			"date":          date.Format(time.DateOnly),
		}
		if err := p.index.Store(ctx, p.collection, sourceID, text, payload); err != nil {
			p.logger.Warn(ctx, "rss article embedding failed", "title", clip(it.Title, 60), "error", err)
		}
	}
	return true
}

// markdown converts article HTML to markdown, falling back to the input
// when conversion fails.
func markdown(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return html
	}
	return strings.TrimSpace(md)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
