package toolcache

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/toolserver"
)

// Cache is the read path for tool definitions. Reads are served from memory
// (falling back to the database) and never touch the network; refreshing the
// cache is the discovery coordinator's job. A failed refresh leaves the last
// successful tool set in place.
type Cache struct {
	store  *store.Store
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string][]toolserver.Tool

	writeMu sync.Mutex
	writers map[string]*sync.Mutex // per-source write serialization

	index bleve.Index
}

// SearchHit is one tool matched by a free-text search across all sources.
type SearchHit struct {
	SourceID string  `json:"source_id"`
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
}

type indexDoc struct {
	SourceID    string `json:"source_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// New builds a cache backed by the given store. The search index is held in
// memory and rebuilt from persisted tools on warm-up.
func New(st *store.Store, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &Cache{
		store:   st,
		logger:  logger,
		entries: make(map[string][]toolserver.Tool),
		writers: make(map[string]*sync.Mutex),
		index:   idx,
	}, nil
}

// WarmUp loads the persisted tool sets of every live source into memory.
// Called once at startup so queries can run before any refresh completes.
func (c *Cache) WarmUp(ctx context.Context) error {
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		tools, err := c.loadFromStore(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("load tools for source %s: %w", src.ID, err)
		}
		if len(tools) > 0 {
			c.setEntry(src.ID, tools)
		}
	}
	c.logger.Printf("warmed up tool cache for %d sources", len(sources))
	return nil
}

// Tools returns the cached tool set for a source. The read path holds only
// in-process locks; a cold entry is loaded from the database, never from the
// provider.
func (c *Cache) Tools(ctx context.Context, sourceID string) ([]toolserver.Tool, error) {
	c.mu.RLock()
	tools, ok := c.entries[sourceID]
	c.mu.RUnlock()
	if ok {
		return tools, nil
	}

	tools, err := c.loadFromStore(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		c.setEntry(sourceID, tools)
	}
	return tools, nil
}

// Put replaces a source's tool set: persisted transactionally, then swapped
// into memory and reindexed. Concurrent refreshes of the same source are
// serialized; refreshes of different sources proceed independently.
func (c *Cache) Put(ctx context.Context, sourceID string, tools []toolserver.Tool) error {
	lock := c.writerFor(sourceID)
	lock.Lock()
	defer lock.Unlock()

	rows := make([]store.CachedTool, 0, len(tools))
	for _, t := range tools {
		rows = append(rows, store.CachedTool{
			SourceID:    sourceID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	if err := c.store.ReplaceCachedTools(ctx, sourceID, rows); err != nil {
		return fmt.Errorf("persist tools: %w", err)
	}
	c.setEntry(sourceID, tools)
	c.logger.Printf("cached %d tools for source %s", len(tools), sourceID)
	return nil
}

// MarkError records a refresh failure. The in-memory and persisted tool sets
// are untouched so queries keep using the last known good definitions.
func (c *Cache) MarkError(ctx context.Context, sourceID string, cause error) error {
	lock := c.writerFor(sourceID)
	lock.Lock()
	defer lock.Unlock()
	c.logger.Printf("refresh failed for source %s, serving stale cache: %v", sourceID, cause)
	return c.store.MarkCacheError(ctx, sourceID, cause.Error())
}

// Invalidate drops a source's entry from memory and the search index. Used
// when a source is deleted.
func (c *Cache) Invalidate(sourceID string) {
	c.mu.Lock()
	old := c.entries[sourceID]
	delete(c.entries, sourceID)
	c.mu.Unlock()
	for _, t := range old {
		_ = c.index.Delete(docID(sourceID, t.Name))
	}
}

// Search runs a free-text query over tool names and descriptions.
func (c *Cache) Search(query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"source_id", "name"}
	res, err := c.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := SearchHit{Score: h.Score}
		if v, ok := h.Fields["source_id"].(string); ok {
			hit.SourceID = v
		}
		if v, ok := h.Fields["name"].(string); ok {
			hit.Name = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (c *Cache) loadFromStore(ctx context.Context, sourceID string) ([]toolserver.Tool, error) {
	rows, err := c.store.GetCachedTools(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("read cached tools: %w", err)
	}
	tools := make([]toolserver.Tool, 0, len(rows))
	for _, row := range rows {
		tools = append(tools, toolserver.Tool{
			Name:        row.Name,
			Description: row.Description,
			InputSchema: row.InputSchema,
		})
	}
	return tools, nil
}

func (c *Cache) setEntry(sourceID string, tools []toolserver.Tool) {
	c.mu.Lock()
	old := c.entries[sourceID]
	c.entries[sourceID] = tools
	c.mu.Unlock()

	for _, t := range old {
		_ = c.index.Delete(docID(sourceID, t.Name))
	}
	for _, t := range tools {
		doc := indexDoc{SourceID: sourceID, Name: t.Name, Description: t.Description}
		if err := c.index.Index(docID(sourceID, t.Name), doc); err != nil {
			c.logger.Printf("index tool %s/%s: %v", sourceID, t.Name, err)
		}
	}
}

func (c *Cache) writerFor(sourceID string) *sync.Mutex {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	lock, ok := c.writers[sourceID]
	if !ok {
		lock = &sync.Mutex{}
		c.writers[sourceID] = lock
	}
	return lock
}

func docID(sourceID, name string) string { return sourceID + "/" + name }
