package template

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/maestro/internal/log"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 250 * time.Millisecond

// Store holds system (embedded, read-only) and user templates. User
// templates live one JSON file per template under userDir and are hot
// reloaded when the directory changes.
type Store struct {
	userDir string

	mu       sync.RWMutex
	raw      map[string]map[string]any
	system   map[string]bool
	resolved map[string]*Template
}

// NewStore loads the embedded built-ins plus every user template under
// userDir. The directory is created if missing.
func NewStore(userDir string) (*Store, error) {
	s := &Store{
		userDir:  userDir,
		raw:      make(map[string]map[string]any),
		system:   make(map[string]bool),
		resolved: make(map[string]*Template),
	}

	if err := s.loadBuiltins(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(userDir, 0750); err != nil {
		return nil, fmt.Errorf("template: create user dir: %w", err)
	}
	if err := s.loadUserDir(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadBuiltins() error {
	entries, err := fs.ReadDir(builtinTemplates, "builtin")
	if err != nil {
		return fmt.Errorf("template: read builtin dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		// path.Join, not filepath.Join: embedded filesystems always use
		// forward slashes.
		data, err := fs.ReadFile(builtinTemplates, path.Join("builtin", entry.Name()))
		if err != nil {
			return fmt.Errorf("template: read builtin %s: %w", entry.Name(), err)
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return fmt.Errorf("template: builtin %s: %w", entry.Name(), err)
		}
		id, _ := doc["id"].(string)
		if !strings.HasPrefix(id, SystemPrefix) {
			return fmt.Errorf("template: builtin %s has non-system id %q", entry.Name(), id)
		}
		s.raw[id] = doc
		s.system[id] = true
	}
	return nil
}

// loadUserDir replaces all user entries with the current directory contents.
// Invalid files are skipped with a warning rather than failing the load.
func (s *Store) loadUserDir() error {
	entries, err := os.ReadDir(s.userDir)
	if err != nil {
		return fmt.Errorf("template: read user dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.raw {
		if !s.system[id] {
			delete(s.raw, id)
		}
	}
	s.resolved = make(map[string]*Template)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.userDir, entry.Name())) //nolint:gosec // G304: reading from the managed template dir
		if err != nil {
			log.Warn(log.CatTemplate, "skipping unreadable template file", "file", entry.Name(), "error", err)
			continue
		}
		doc, err := decodeDocument(data)
		if err != nil {
			log.Warn(log.CatTemplate, "skipping invalid template file", "file", entry.Name(), "error", err)
			continue
		}
		id, _ := doc["id"].(string)
		if strings.HasPrefix(id, SystemPrefix) {
			log.Warn(log.CatTemplate, "skipping user template with system id", "file", entry.Name(), "id", id)
			continue
		}
		s.raw[id] = doc
	}
	log.Info(log.CatTemplate, "templates loaded", "count", len(s.raw))
	return nil
}

func decodeDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get returns the fully resolved template for id. Resolution results are
// cached until any write invalidates them.
func (s *Store) Get(id string) (*Template, error) {
	s.mu.RLock()
	if t, ok := s.resolved[id]; ok {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id)
}

func (s *Store) resolveLocked(id string) (*Template, error) {
	if t, ok := s.resolved[id]; ok {
		return t, nil
	}
	t, err := resolveRaw(id, func(cur string) (map[string]any, bool) {
		doc, ok := s.raw[cur]
		return doc, ok
	})
	if err != nil {
		return nil, err
	}
	if err := validateResolved(t); err != nil {
		return nil, err
	}
	s.resolved[id] = t
	return t, nil
}

// List returns metadata for every known template, sorted by id.
func (s *Store) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]Metadata, 0, len(s.raw))
	for id, doc := range s.raw {
		name, _ := doc["name"].(string)
		desc, _ := doc["description"].(string)
		metas = append(metas, Metadata{ID: id, Name: name, Description: desc, System: s.system[id]})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas
}

// Create validates and persists a new user template.
func (s *Store) Create(doc map[string]any) (*Template, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	id, _ := doc["id"].(string)
	if strings.HasPrefix(id, SystemPrefix) {
		return nil, ErrSystemImmutable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.raw[id]; exists {
		return nil, fmt.Errorf("template: id %q already exists", id)
	}
	return s.writeLocked(id, doc)
}

// Update validates and persists changes to an existing user template.
func (s *Store) Update(id string, doc map[string]any) (*Template, error) {
	if strings.HasPrefix(id, SystemPrefix) {
		return nil, ErrSystemImmutable
	}
	doc["id"] = id
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.raw[id]; !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.writeLocked(id, doc)
}

// writeLocked inserts the document, re-resolves to catch semantic errors,
// and persists to disk. Rolls back the in-memory entry on failure.
func (s *Store) writeLocked(id string, doc map[string]any) (*Template, error) {
	prev, hadPrev := s.raw[id]
	s.raw[id] = doc
	s.resolved = make(map[string]*Template)

	t, err := s.resolveLocked(id)
	if err != nil {
		if hadPrev {
			s.raw[id] = prev
		} else {
			delete(s.raw, id)
		}
		s.resolved = make(map[string]*Template)
		return nil, err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("template: encode %q: %w", id, err)
	}
	file := filepath.Join(s.userDir, id+".json")
	if err := os.WriteFile(file, data, 0600); err != nil {
		return nil, fmt.Errorf("template: write %q: %w", id, err)
	}
	log.Info(log.CatTemplate, "template saved", "id", id)
	return t, nil
}

// Delete removes a user template and its file.
func (s *Store) Delete(id string) error {
	if strings.HasPrefix(id, SystemPrefix) {
		return ErrSystemImmutable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.raw[id]; !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(s.raw, id)
	s.resolved = make(map[string]*Template)

	if err := os.Remove(filepath.Join(s.userDir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("template: remove %q: %w", id, err)
	}
	log.Info(log.CatTemplate, "template deleted", "id", id)
	return nil
}

// Duplicate snapshots the resolved form of id under a fresh user template.
// The copy is standalone: the extends chain is already flattened into it.
func (s *Store) Duplicate(id, newName string) (*Template, error) {
	src, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	newID := slugify(newName)
	if newID == "" {
		return nil, fmt.Errorf("template: name %q yields no usable id", newName)
	}

	doc := map[string]any{
		"id":   newID,
		"name": newName,
		"config": map[string]any{
			"maxWorkers":       src.Config.MaxWorkers,
			"pollIntervalMs":   src.Config.PollIntervalMs,
			"workerTimeoutMs":  src.Config.WorkerTimeoutMs,
			"autoSpawnWorkers": src.Config.AutoSpawnWorkers,
			"retryMax":         src.Config.RetryMax,
		},
		"prompts": map[string]any{
			"analysis":     src.Prompts.Analysis,
			"taskPlanning": src.Prompts.TaskPlanning,
			"worker":       src.Prompts.Worker,
			"aggregation":  src.Prompts.Aggregation,
		},
		"variables": src.Variables,
		"phases":    toAnySlice(src.Phases),
	}
	if src.Description != "" {
		doc["description"] = src.Description
	}
	return s.Create(doc)
}

// Watch reloads user templates when files under userDir change. Blocks
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.userDir); err != nil {
		return fmt.Errorf("template: watch %s: %w", s.userDir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(log.CatTemplate, "watcher error", "error", err)
		case <-reload:
			if err := s.loadUserDir(); err != nil {
				log.ErrorErr(log.CatTemplate, "template reload failed", err)
			}
		}
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9_-]+`)

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-_")
	return slug
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
