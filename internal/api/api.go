// Package api is the transport-independent core: it parses and validates
// queries, consults the result cache, runs producers through the cursor
// registry and shapes responses. Both the HTTP and IPC servers sit on
// top of it.
package api

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kartikbazzad/cursordb/internal/aql"
	"github.com/kartikbazzad/cursordb/internal/batch"
	"github.com/kartikbazzad/cursordb/internal/cache"
	"github.com/kartikbazzad/cursordb/internal/catalog"
	"github.com/kartikbazzad/cursordb/internal/config"
	"github.com/kartikbazzad/cursordb/internal/cursor"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/eval"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/metrics"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// QueryRequest is the body of a cursor creation call. BatchSize and TTL
// distinguish absent from explicit zero; an explicit zero is rejected.
type QueryRequest struct {
	Query     string                 `json:"query"`
	BindVars  map[string]value.Value `json:"bindVars,omitempty"`
	Count     bool                   `json:"count,omitempty"`
	BatchSize *int                   `json:"batchSize,omitempty"`
	TTL       *float64               `json:"ttl,omitempty"` // seconds
	Cache     *bool                  `json:"cache,omitempty"`
}

// QueryResult is one batch of a query's result, from creation or from a
// continue call. ID is empty when no cursor remains.
type QueryResult struct {
	ID      string
	Rows    []value.Value
	HasMore bool
	Count   int // cursor.CountNone when counting was not requested
	Cached  bool
	Stats   map[string]value.Value // nil on cache hits and continues
}

// QueryInfo is the outcome of validating a query without running it.
type QueryInfo struct {
	BindVars    []string
	Collections []string
}

// API owns the long-lived engine state. Safe for concurrent use.
type API struct {
	cfg     *config.Config
	logger  *logger.Logger
	catalog *catalog.Catalog
	cursors *cursor.Registry
	cache   *cache.Cache
	eval    *eval.Engine
	clock   clock.Clock
}

// New wires the core together. A nil clock means wall time; tests pass
// a mock to drive expiry deterministically.
func New(cfg *config.Config, log *logger.Logger, clk clock.Clock) (*API, error) {
	if clk == nil {
		clk = clock.New()
	}

	eng, err := eval.NewEngine()
	if err != nil {
		return nil, err
	}
	qc, err := cache.New(cfg.Cache, log.Component("cache"))
	if err != nil {
		return nil, err
	}

	cat := catalog.NewCatalog(log.Component("catalog"))
	cat.SetWriteHook(qc.Invalidate)

	return &API{
		cfg:     cfg,
		logger:  log,
		catalog: cat,
		cursors: cursor.NewRegistry(cfg.Cursor, log.Component("cursor"), clk),
		cache:   qc,
		eval:    eng,
		clock:   clk,
	}, nil
}

// Start launches the cursor expiry sweeper.
func (a *API) Start() {
	a.cursors.Start()
}

// Stop halts the sweeper and releases all cursors.
func (a *API) Stop() {
	a.cursors.Stop()
}

// Registry exposes the cursor registry, for tests and diagnostics.
func (a *API) Registry() *cursor.Registry {
	return a.cursors
}

// Cache exposes the query result cache.
func (a *API) Cache() *cache.Cache {
	return a.cache
}

// execStats is implemented by producers that track scan counters.
type execStats interface {
	Stats() (scanned, filtered int)
}

// CreateCursor runs a query and returns its first batch. Results that
// fit in one batch carry no cursor id; larger results register a cursor
// whose remaining batches are pulled with ContinueCursor. Eligible
// single-batch results are served from and stored into the result cache.
func (a *API) CreateCursor(req *QueryRequest) (*QueryResult, error) {
	res, err := a.createCursor(req)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.Cached {
		metrics.QueriesTotal.WithLabelValues("cached").Inc()
	} else {
		metrics.QueriesTotal.WithLabelValues("success").Inc()
	}
	return res, nil
}

func (a *API) createCursor(req *QueryRequest) (*QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apierr.Numbered(apierr.NumParseFailed, "query is empty")
	}

	stmt, err := aql.Parse(query)
	if err != nil {
		return nil, err
	}
	if err := stmt.Check(a.eval); err != nil {
		return nil, err
	}
	for _, name := range stmt.BindVars {
		if _, ok := req.BindVars[name]; !ok {
			return nil, apierr.Numbered(apierr.NumBadParameter, "no value provided for bind parameter @%s", name)
		}
	}
	for _, name := range stmt.Collections() {
		if !a.catalog.Exists(name) {
			return nil, apierr.Numbered(apierr.NumCollectionUnknown, "collection or view not found: %s", name)
		}
	}

	batchSize := a.cfg.Cursor.DefaultBatchSize
	if req.BatchSize != nil {
		if *req.BatchSize <= 0 {
			return nil, apierr.Numbered(apierr.NumBadParameter, "batchSize must be positive")
		}
		batchSize = *req.BatchSize
	}
	ttl := a.cfg.Cursor.DefaultTTL
	if req.TTL != nil {
		if *req.TTL <= 0 {
			return nil, apierr.Numbered(apierr.NumBadParameter, "ttl must be positive")
		}
		ttl = time.Duration(*req.TTL * float64(time.Second))
	}

	binds, err := canonicalBinds(req.BindVars)
	if err != nil {
		return nil, apierr.Numbered(apierr.NumBadParameter, "invalid bind parameters: %v", err)
	}
	eligible := a.cacheEligible(req.Cache)

	if eligible {
		if rows := a.cache.Lookup(query, binds); rows != nil {
			count := cursor.CountNone
			if req.Count {
				count = len(rows)
			}
			return &QueryResult{Rows: rows, HasMore: false, Count: count, Cached: true}, nil
		}
	}

	start := time.Now()

	p, err := aql.Build(stmt, a.catalog, a.eval, req.BindVars)
	if err != nil {
		return nil, err
	}
	src := p

	count := cursor.CountNone
	if req.Count {
		rows, err := batch.DrainAll(p, a.cfg.Query.MaxResultCount)
		if err != nil {
			return nil, err
		}
		count = len(rows)
		p = producer.FromSlice(rows)
	}

	b, err := a.cursors.Create(p, cursor.CreateOptions{
		BatchSize: batchSize,
		TTL:       ttl,
		Count:     count,
	})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.QueryDuration.Observe(elapsed.Seconds())

	if b.ID == "" && eligible {
		a.cache.Store(query, binds, b.Rows, stmt.Collections())
	}

	return &QueryResult{
		ID:      b.ID,
		Rows:    b.Rows,
		HasMore: b.HasMore,
		Count:   b.Count,
		Stats:   buildStats(src, elapsed),
	}, nil
}

// ContinueCursor pulls the next batch for a registered cursor. The id
// is echoed while more batches remain and omitted on the final one, at
// which point the cursor is gone.
func (a *API) ContinueCursor(id string) (*QueryResult, error) {
	b, err := a.cursors.FetchNext(id)
	if err != nil {
		return nil, err
	}
	return &QueryResult{ID: b.ID, Rows: b.Rows, HasMore: b.HasMore, Count: b.Count}, nil
}

// DisposeCursor removes a cursor and returns its id.
func (a *API) DisposeCursor(id string) (string, error) {
	return a.cursors.Dispose(id)
}

// ValidateQuery parses and type-checks a query without executing it.
func (a *API) ValidateQuery(query string) (*QueryInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.Numbered(apierr.NumParseFailed, "query is empty")
	}
	stmt, err := aql.Parse(query)
	if err != nil {
		return nil, err
	}
	if err := stmt.Check(a.eval); err != nil {
		return nil, err
	}
	info := &QueryInfo{BindVars: stmt.BindVars, Collections: stmt.Collections()}
	if info.BindVars == nil {
		info.BindVars = []string{}
	}
	if info.Collections == nil {
		info.Collections = []string{}
	}
	return info, nil
}

// CacheProperties reports the cache mode and entry bound.
func (a *API) CacheProperties() (string, int) {
	mode, max := a.cache.Properties()
	return mode.String(), max
}

// SetCacheProperties updates mode and/or maxResults; nil leaves a
// property unchanged.
func (a *API) SetCacheProperties(mode *string, maxResults *int) error {
	if mode != nil {
		m, err := cache.ParseMode(*mode)
		if err != nil {
			return apierr.Numbered(apierr.NumBadParameter, "%v", err)
		}
		a.cache.SetMode(m)
	}
	if maxResults != nil {
		if *maxResults <= 0 {
			return apierr.Numbered(apierr.NumBadParameter, "maxResults must be positive")
		}
		a.cache.SetMaxResults(*maxResults)
	}
	return nil
}

// ClearCache drops every cached result.
func (a *API) ClearCache() {
	a.cache.Clear()
}

// CreateCollection registers a new empty collection.
func (a *API) CreateCollection(name string) (*catalog.Collection, error) {
	return a.catalog.Create(name)
}

// Collection looks a collection up by name.
func (a *API) Collection(name string) (*catalog.Collection, error) {
	return a.catalog.Get(name)
}

// Collections lists collection names.
func (a *API) Collections() []string {
	return a.catalog.Names()
}

// DropCollection removes a collection; cached results that read it are
// invalidated through the write hook.
func (a *API) DropCollection(name string) error {
	return a.catalog.Drop(name)
}

// TruncateCollection removes all documents but keeps the collection.
func (a *API) TruncateCollection(name string) error {
	return a.catalog.Truncate(name)
}

// InsertDocument stores a document and returns it with its _key set.
func (a *API) InsertDocument(collection string, doc value.Value) (value.Value, error) {
	return a.catalog.Insert(collection, doc)
}

// cacheEligible applies the mode policy to the per-query cache flag:
// off never caches, on caches unless the query opts out, demand caches
// only when the query opts in.
func (a *API) cacheEligible(flag *bool) bool {
	switch a.cache.Mode() {
	case cache.ModeOn:
		return flag == nil || *flag
	case cache.ModeDemand:
		return flag != nil && *flag
	default:
		return false
	}
}

// canonicalBinds renders bind values in a deterministic form for the
// cache signature. encoding/json sorts object keys, so equal bind sets
// always serialize identically.
func canonicalBinds(binds map[string]value.Value) (string, error) {
	if len(binds) == 0 {
		return "", nil
	}
	b, err := json.Marshal(binds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func buildStats(p producer.Producer, elapsed time.Duration) map[string]value.Value {
	scanned, filtered := 0, 0
	if s, ok := p.(execStats); ok {
		scanned, filtered = s.Stats()
	}
	return map[string]value.Value{
		"writesExecuted": json.Number("0"),
		"writesIgnored":  json.Number("0"),
		"scannedFull":    json.Number(strconv.Itoa(scanned)),
		"scannedIndex":   json.Number("0"),
		"filtered":       json.Number(strconv.Itoa(filtered)),
		"executionTime":  json.Number(strconv.FormatFloat(elapsed.Seconds(), 'f', 6, 64)),
	}
}
