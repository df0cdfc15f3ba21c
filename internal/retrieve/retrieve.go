// Package retrieve gathers memory context for an event: one embedding, a
// sequential pass over the configured vector collections, and structured
// lookups placed at fixed positions.
package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/tokens"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/retrieve")

// Mode selects the embedding input type.
type Mode string

const (
	ModeQuery    Mode = "query"
	ModeDocument Mode = "document"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string, mode Mode) ([]float32, error)
}

// Query is a single-collection similarity search.
type Query struct {
	Collection string
	Vector     []float32
	Limit      int
	Threshold  float64
	Filter     map[string]any // exact-match payload conditions
}

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// VectorSearcher queries and writes a vector store.
type VectorSearcher interface {
	Query(ctx context.Context, q Query) ([]Hit, error)
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error
}

// Record is a structured row rendered into the prompt as JSON.
type Record = map[string]any

// Lookups are the structured queries run alongside semantic search.
type Lookups interface {
	ContactProfile(ctx context.Context, name string) (Record, bool, error)
	OpenAlerts(ctx context.Context) ([]Record, error)
	RecentDecisions(ctx context.Context, limit int) ([]Record, error)
}

// Context is one retrieved item.
type Context struct {
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tokens   int            `json:"tokens"`
}

// Label returns the display label recorded for the item, or "unknown".
func (c Context) Label() string {
	if s, ok := c.Metadata["label"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// SearchOptions tunes SearchAll.
type SearchOptions struct {
	Limit     int
	Threshold float64
	Filter    map[string]any
}

// Defaults for SearchOptions.
const (
	DefaultLimit         = 10
	DefaultThreshold     = 0.3
	DefaultCallInterval  = time.Second
	RecentDecisionsLimit = 5

	// StructuredSource labels contexts built from record lookups rather
	// than vector search.
	StructuredSource = "records"
)

// labelKeys are checked in order for a human-readable label.
var labelKeys = []string{"name", "deal_name", "project", "meeting_title", "chat_name", "subject", "title"}

// Config describes the collections to search.
type Config struct {
	Collections  []string
	Prefix       string        // stripped from collection names to form the source
	CallInterval time.Duration // gap between vector store calls; zero is DefaultCallInterval, negative disables
}

// Retriever implements context retrieval.
type Retriever struct {
	embedder Embedder
	searcher VectorSearcher
	lookups  Lookups
	est      tokens.Estimator
	cfg      Config
	limiter  *rate.Limiter
	logger   log.Logger
}

// New creates a Retriever. lookups may be nil.
func New(embedder Embedder, searcher VectorSearcher, lookups Lookups, est tokens.Estimator, cfg Config, logger log.Logger) *Retriever {
	if est == nil {
		est = tokens.Chars{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	limit := rate.Inf
	switch {
	case cfg.CallInterval > 0:
		limit = rate.Every(cfg.CallInterval)
	case cfg.CallInterval == 0:
		limit = rate.Every(DefaultCallInterval)
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		lookups:  lookups,
		est:      est,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// SearchAll embeds query once and searches every configured collection in
// order. A failing collection is logged and skipped. Results are sorted by
// score, highest first, keeping collection order for ties.
func (r *Retriever) SearchAll(ctx context.Context, query string, opts SearchOptions) ([]Context, error) {
	ctx, span := tracer.Start(ctx, "retrieve.SearchAll")
	defer span.End()

	if r.embedder == nil || r.searcher == nil || len(r.cfg.Collections) == 0 {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	vec, err := r.embedder.Embed(ctx, query, ModeQuery)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var out []Context
	for _, coll := range r.cfg.Collections {
		if err := r.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("wait for vector store: %w", err)
		}
		hits, err := r.searcher.Query(ctx, Query{
			Collection: coll,
			Vector:     vec,
			Limit:      opts.Limit,
			Threshold:  opts.Threshold,
			Filter:     opts.Filter,
		})
		if err != nil {
			r.logger.Warn(ctx, "collection search failed", "collection", coll, "error", err)
			continue
		}
		for _, h := range hits {
			// not every searcher applies the threshold server-side
			if h.Score < opts.Threshold {
				continue
			}
			out = append(out, r.toContext(coll, h))
		}
		r.logger.Info(ctx, "collection searched", "collection", coll, "results", len(hits))
	}

	slices.SortStableFunc(out, func(a, b Context) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	span.SetAttributes(
		attribute.Int("retrieve.collections", len(r.cfg.Collections)),
		attribute.Int("retrieve.results", len(out)),
	)
	return out, nil
}

func (r *Retriever) toContext(collection string, h Hit) Context {
	content, _ := h.Payload["text"].(string)
	if content == "" {
		content, _ = h.Payload["content"].(string)
	}

	label := "unknown"
	for _, k := range labelKeys {
		if s, ok := h.Payload[k].(string); ok && s != "" {
			label = s
			break
		}
	}

	md := make(map[string]any, len(h.Payload)+3)
	for k, v := range h.Payload {
		if k == "text" || k == "content" {
			continue
		}
		md[k] = v
	}
	md["collection"] = collection
	md["label"] = label
	md["point_id"] = h.ID

	return Context{
		Content:  content,
		Source:   r.sourceName(collection),
		Score:    h.Score,
		Metadata: md,
		Tokens:   r.est.Count(content),
	}
}

func (r *Retriever) sourceName(collection string) string {
	if r.cfg.Prefix == "" {
		return collection
	}
	return strings.TrimPrefix(collection, r.cfg.Prefix)
}

// ForEvent runs semantic search for ev and adds the structured lookups: the
// contact profile first, then open alerts and recent decisions at the end.
// Every failure is logged and leaves that part out.
func (r *Retriever) ForEvent(ctx context.Context, ev event.Event) []Context {
	ctx, span := tracer.Start(ctx, "retrieve.ForEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", ev.Type))

	var filter map[string]any
	if p := ev.MetaString("project"); p != "" {
		filter = map[string]any{"project": p}
	}

	contexts, err := r.SearchAll(ctx, ev.Content, SearchOptions{Filter: filter})
	if err != nil {
		r.logger.Warn(ctx, "semantic search failed", "error", err)
	}

	if r.lookups == nil {
		return contexts
	}

	if ev.Contact != "" {
		profile, ok, err := r.lookups.ContactProfile(ctx, ev.Contact)
		switch {
		case err != nil:
			r.logger.Warn(ctx, "contact lookup failed", "contact", ev.Contact, "error", err)
		case ok:
			name, _ := profile["name"].(string)
			c := r.structured("[CONTACT PROFILE]", profile, 1.0, map[string]any{"type": "contact_profile", "name": name})
			contexts = slices.Insert(contexts, 0, c)
		}
	}

	if alerts, err := r.lookups.OpenAlerts(ctx); err != nil {
		r.logger.Warn(ctx, "open alerts lookup failed", "error", err)
	} else if len(alerts) > 0 {
		contexts = append(contexts, r.structured(fmt.Sprintf("[PENDING ALERTS (%d)]", len(alerts)), alerts, 1.0,
			map[string]any{"type": "pending_alerts", "count": len(alerts)}))
	}

	if decisions, err := r.lookups.RecentDecisions(ctx, RecentDecisionsLimit); err != nil {
		r.logger.Warn(ctx, "recent decisions lookup failed", "error", err)
	} else if len(decisions) > 0 {
		contexts = append(contexts, r.structured(fmt.Sprintf("[RECENT DECISIONS (%d)]", len(decisions)), decisions, 0.9,
			map[string]any{"type": "recent_decisions", "count": len(decisions)}))
	}

	span.SetAttributes(attribute.Int("retrieve.contexts", len(contexts)))
	return contexts
}

func (r *Retriever) structured(header string, v any, score float64, md map[string]any) Context {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		body = []byte(fmt.Sprint(v))
	}
	content := header + " " + string(body)
	return Context{
		Content:  content,
		Source:   StructuredSource,
		Score:    score,
		Metadata: md,
		Tokens:   r.est.Count(string(body)),
	}
}

// Store embeds text as a document and upserts it into collection.
func (r *Retriever) Store(ctx context.Context, collection, id, text string, payload map[string]any) error {
	if r.embedder == nil || r.searcher == nil {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, text, ModeDocument)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	if err := r.searcher.Upsert(ctx, collection, id, vec, payload); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}
