// Package recorder persists an append-only JSON transcript per conversation
// under data/conversations/<uuid>.json. Writes are atomic per file and
// serialized per record; different records write in parallel. An LRU cache
// bounds the in-memory working set; disk stays the source of truth.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the in-memory record cache.
const DefaultCacheSize = 100

// Turn is one recorded exchange half.
type Turn struct {
	Role      string    `json:"role"`
	User      string    `json:"user,omitempty"`
	Content   string    `json:"content"`
	Title     string    `json:"title,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one conversation transcript.
type Record struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	ThreadTS  string    `json:"threadTs,omitempty"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Turns     []Turn    `json:"turns"`
}

// Summarizer produces the lazy title + short summary for an assistant turn.
// nil disables summarization.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (title, summary string, err error)
}

// Config holds recorder configuration.
type Config struct {
	// Dir is the conversations directory (default "data/conversations").
	Dir string `yaml:"dir"`

	// CacheSize bounds the LRU record cache (default 100).
	CacheSize int `yaml:"cache_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Dir: filepath.Join("data", "conversations"), CacheSize: DefaultCacheSize}
}

// writeGate serializes writes for one record as a chain: each enqueued write
// waits for the previous one.
type writeGate struct {
	mu   sync.Mutex
	last chan struct{}
}

// Recorder owns conversation records.
type Recorder struct {
	cfg        Config
	summarizer Summarizer
	logger     *slog.Logger

	// recMu guards in-memory record mutation across the async paths.
	recMu sync.Mutex
	cache *lru.Cache[string, *Record]

	gatesMu sync.Mutex
	gates   map[string]*writeGate

	wg sync.WaitGroup
}

// New creates a recorder rooted at cfg.Dir, creating the directory.
func New(cfg Config, summarizer Summarizer, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: creating %s: %w", cfg.Dir, err)
	}

	r := &Recorder{
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger.With("component", "recorder"),
		gates:      make(map[string]*writeGate),
	}

	cache, err := lru.NewWithEvict[string, *Record](cfg.CacheSize, func(id string, _ *Record) {
		// Eviction drops the write gate too; a later write recreates it.
		r.gatesMu.Lock()
		delete(r.gates, id)
		r.gatesMu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("recorder: cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// CreateConversation starts a new record and schedules its first persist.
func (r *Recorder) CreateConversation(channelID, threadTS, owner, title, workflow string) string {
	now := time.Now()
	rec := &Record{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		ThreadTS:  threadTS,
		Owner:     owner,
		Title:     title,
		Workflow:  workflow,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.cache.Add(rec.ID, rec)
	r.enqueuePersist(rec.ID)
	return rec.ID
}

// RecordUserTurn appends a user turn. Fire-and-forget for the caller.
func (r *Recorder) RecordUserTurn(id, user, content string) {
	r.appendTurn(id, Turn{Role: "user", User: user, Content: content, Timestamp: time.Now()})
}

// RecordAssistantTurn appends an assistant turn with raw content and, when a
// summarizer is configured, later updates it with a title and summary.
func (r *Recorder) RecordAssistantTurn(ctx context.Context, id, content string) {
	idx := r.appendTurn(id, Turn{Role: "assistant", Content: content, Timestamp: time.Now()})
	if idx < 0 || r.summarizer == nil {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		title, summary, err := r.summarizer.Summarize(ctx, content)
		if err != nil {
			r.logger.Warn("turn summarization failed", "record", id, "error", err)
			return
		}
		r.recMu.Lock()
		rec, ok := r.load(id)
		if !ok || idx >= len(rec.Turns) {
			r.recMu.Unlock()
			return
		}
		rec.Turns[idx].Title = title
		rec.Turns[idx].Summary = summary
		rec.UpdatedAt = time.Now()
		r.recMu.Unlock()
		r.enqueuePersist(id)
	}()
}

// SetTitle updates the record's title.
func (r *Recorder) SetTitle(id, title string) {
	r.recMu.Lock()
	rec, ok := r.load(id)
	if !ok {
		r.recMu.Unlock()
		return
	}
	rec.Title = title
	rec.UpdatedAt = time.Now()
	r.recMu.Unlock()
	r.enqueuePersist(id)
}

func (r *Recorder) appendTurn(id string, turn Turn) int {
	r.recMu.Lock()
	rec, ok := r.load(id)
	if !ok {
		r.recMu.Unlock()
		r.logger.Warn("recording to unknown conversation", "record", id)
		return -1
	}
	rec.Turns = append(rec.Turns, turn)
	rec.UpdatedAt = time.Now()
	idx := len(rec.Turns) - 1
	r.recMu.Unlock()
	r.enqueuePersist(id)
	return idx
}

// Get returns a record from cache or disk.
func (r *Recorder) Get(id string) (*Record, bool) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return r.load(id)
}

func (r *Recorder) load(id string) (*Record, bool) {
	if rec, ok := r.cache.Get(id); ok {
		return rec, true
	}
	rec, err := r.readFile(r.pathFor(id))
	if err != nil {
		return nil, false
	}
	r.cache.Add(id, rec)
	return rec, true
}

// List reads every record from disk, sorted by updatedAt descending. Corrupt
// files are skipped with a warning.
func (r *Recorder) List() []*Record {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		r.logger.Warn("listing conversations failed", "error", err)
		return nil
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := r.readFile(filepath.Join(r.cfg.Dir, e.Name()))
		if err != nil {
			r.logger.Warn("skipping corrupt conversation file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Sync waits for all pending writes and summarizations to land.
func (r *Recorder) Sync() {
	r.wg.Wait()

	r.gatesMu.Lock()
	lasts := make([]chan struct{}, 0, len(r.gates))
	for _, g := range r.gates {
		g.mu.Lock()
		if g.last != nil {
			lasts = append(lasts, g.last)
		}
		g.mu.Unlock()
	}
	r.gatesMu.Unlock()

	for _, ch := range lasts {
		<-ch
	}
}

// ---------- persistence ----------

func (r *Recorder) pathFor(id string) string {
	return filepath.Join(r.cfg.Dir, id+".json")
}

func (r *Recorder) readFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("recorder: decoding %s: %w", filepath.Base(path), err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("recorder: %s has no id", filepath.Base(path))
	}
	return &rec, nil
}

// enqueuePersist chains a snapshot write behind any pending write for the
// same record.
func (r *Recorder) enqueuePersist(id string) {
	r.recMu.Lock()
	rec, ok := r.cache.Get(id)
	if !ok {
		r.recMu.Unlock()
		return
	}
	snapshot, err := json.MarshalIndent(rec, "", "  ")
	r.recMu.Unlock()
	if err != nil {
		r.logger.Error("marshaling conversation failed", "record", id, "error", err)
		return
	}

	gate := r.gateFor(id)
	gate.mu.Lock()
	prev := gate.last
	done := make(chan struct{})
	gate.last = done
	gate.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := r.writeAtomic(r.pathFor(id), snapshot); err != nil {
			r.logger.Error("persisting conversation failed", "record", id, "error", err)
		}
	}()
}

func (r *Recorder) gateFor(id string) *writeGate {
	r.gatesMu.Lock()
	defer r.gatesMu.Unlock()
	g := r.gates[id]
	if g == nil {
		g = &writeGate{}
		r.gates[id] = g
	}
	return g
}

// writeAtomic writes via a temp file in the same directory then renames.
func (r *Recorder) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
