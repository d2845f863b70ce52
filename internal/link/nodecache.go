package link

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// NodeEntry is one cached node identity.
type NodeEntry struct {
	ID        uint32    `json:"id"`
	ShortName string    `json:"short_name"`
	LongName  string    `json:"long_name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type nodeCacheDoc struct {
	Nodes       map[uint32]NodeEntry `json:"nodes"`
	LastUpdated time.Time            `json:"last_updated"`
}

// NodeCache maps node ids to names, persisted write-through to a JSON
// document. Identity updates are rare relative to traffic, so saving on
// every mutation is affordable.
type NodeCache struct {
	mu      sync.RWMutex
	path    string
	nodes   map[uint32]NodeEntry
	updated time.Time
}

// LoadNodeCache reads the cache document, starting empty when the file does
// not exist yet. A corrupt file is logged and discarded rather than fatal.
func LoadNodeCache(path string) *NodeCache {
	c := &NodeCache{path: path, nodes: make(map[uint32]NodeEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("node cache unreadable, starting fresh")
		}
		return c
	}
	var doc nodeCacheDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("node cache corrupt, starting fresh")
		return c
	}
	if doc.Nodes != nil {
		c.nodes = doc.Nodes
	}
	c.updated = doc.LastUpdated
	log.Info().Int("nodes", len(c.nodes)).Str("path", path).Msg("node cache loaded")
	return c
}

// Upsert records a node identity and persists the cache. The short name
// falls back to the first four characters of the long name, then to the hex
// of the id, mirroring how radios derive display names.
func (c *NodeCache) Upsert(id uint32, longName, shortName string) NodeEntry {
	now := time.Now().UTC()
	short := strings.TrimSpace(shortName)
	long := strings.TrimSpace(longName)
	if short == "" {
		if long != "" {
			short = strings.ToUpper(firstN(long, 4))
		} else {
			short = fmt.Sprintf("%04X", id&0xFFFF)
		}
	}

	c.mu.Lock()
	entry, ok := c.nodes[id]
	if !ok {
		entry = NodeEntry{ID: id, FirstSeen: now}
	}
	entry.ShortName = short
	if long != "" {
		entry.LongName = long
	}
	entry.LastSeen = now
	c.nodes[id] = entry
	c.updated = now
	c.mu.Unlock()

	if err := c.save(); err != nil {
		log.Debug().Err(err).Uint32("node", id).Msg("node cache save failed")
	}
	return entry
}

// ShortName returns the cached short name, or false when unknown or empty so
// callers can fall back to a formatted numeric id.
func (c *NodeCache) ShortName(id uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.nodes[id]
	if !ok || strings.TrimSpace(entry.ShortName) == "" {
		return "", false
	}
	return entry.ShortName, true
}

// Label returns a display name for a node: long name, short name, or the
// hex id when the node is unknown.
func (c *NodeCache) Label(id uint32) string {
	c.mu.RLock()
	entry, ok := c.nodes[id]
	c.mu.RUnlock()
	if ok {
		if ln := strings.TrimSpace(entry.LongName); ln != "" {
			return ln
		}
		if sn := strings.TrimSpace(entry.ShortName); sn != "" {
			return sn
		}
	}
	return fmt.Sprintf("0x%06X", id&0xFFFFFF)
}

// Sweep evicts entries unseen for longer than maxAge and persists when
// anything was removed. Returns the number of evicted entries.
func (c *NodeCache) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	c.mu.Lock()
	removed := 0
	for id, entry := range c.nodes {
		if entry.LastSeen.Before(cutoff) {
			delete(c.nodes, id)
			removed++
		}
	}
	if removed > 0 {
		c.updated = time.Now().UTC()
	}
	c.mu.Unlock()

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("stale nodes evicted")
		if err := c.save(); err != nil {
			log.Debug().Err(err).Msg("node cache save failed after sweep")
		}
	}
	return removed
}

// Snapshot returns a copy of all entries for status reporting.
func (c *NodeCache) Snapshot() []NodeEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeEntry, 0, len(c.nodes))
	for _, entry := range c.nodes {
		out = append(out, entry)
	}
	return out
}

func (c *NodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

func (c *NodeCache) save() error {
	c.mu.RLock()
	doc := nodeCacheDoc{Nodes: c.nodes, LastUpdated: c.updated}
	data, err := json.MarshalIndent(doc, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.path, data, 0o644)
}

func firstN(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
