package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/telemetry/logging"
)

// Persistence is the storage contract behind the store. The engine ships a
// file-backed implementation; hosts may substitute a repository-backed one.
type Persistence interface {
	LoadAll() ([]*Template, error)
	Persist(t *Template) error
	Remove(name string) error
}

// Store is the process-wide template set, keyed by template_name. Readers
// run concurrently; writers serialize and invalidate the cache. Builtins
// are seeded lazily on first access and cannot be deleted or overwritten.
type Store struct {
	cfg     config.TemplatesConfig
	persist Persistence
	log     logging.Logger

	mu       sync.RWMutex
	cache    map[string]*Template
	seedOnce sync.Once
	seedErr  error

	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore builds a store. persist may be nil, in which case templates
// live in memory only.
func NewStore(cfg config.TemplatesConfig, persist Persistence, log logging.Logger) *Store {
	if persist == nil {
		persist = &memoryPersistence{}
	}
	return &Store{cfg: cfg, persist: persist, log: log, cache: make(map[string]*Template), stopCh: make(chan struct{})}
}

// seed loads builtins and persisted templates on first access.
func (s *Store) seed() error {
	s.seedOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, t := range BuiltinTemplates() {
			s.cache[t.TemplateName] = t
		}
		persisted, err := s.persist.LoadAll()
		if err != nil {
			s.seedErr = fmt.Errorf("load persisted templates: %w", err)
			return
		}
		for _, t := range persisted {
			if existing, ok := s.cache[t.TemplateName]; ok && existing.IsBuiltin {
				// Usage statistics for builtins persist; the definition does not.
				existing.UsageCount = t.UsageCount
				existing.SuccessRate = t.SuccessRate
				existing.LastUsedAt = t.LastUsedAt
				continue
			}
			s.cache[t.TemplateName] = t
		}
		if s.cfg.CatalogDir != "" {
			if err := s.loadCatalogDirLocked(); err != nil && s.log != nil {
				s.log.WarnCtx(context.Background(), "catalog dir load failed", "error", err)
			}
		}
	})
	return s.seedErr
}

// List returns all templates, sorted by effective priority descending.
// The sort is stable so equal priorities keep name order.
func (s *Store) List() ([]*Template, error) {
	if err := s.seed(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Template, 0, len(s.cache))
	for _, t := range s.cache {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].EffectivePriority(), out[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		return out[i].TemplateName < out[j].TemplateName
	})
	return out, nil
}

// Get returns the named template.
func (s *Store) Get(name string) (*Template, error) {
	if err := s.seed(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, ok := s.cache[name]
	s.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, "templates.get", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name))
	}
	return t.Clone(), nil
}

// Save inserts or updates a template. Overwriting a builtin is rejected;
// import a copy with is_builtin cleared instead.
func (s *Store) Save(t *Template) error {
	if err := s.seed(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return models.NewError(models.KindValidation, "templates.save", err)
	}
	cp := t.Clone()
	applyFramingDefaults(cp)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.ModifiedAt = now

	s.mu.Lock()
	if existing, ok := s.cache[cp.TemplateName]; ok && existing.IsBuiltin {
		s.mu.Unlock()
		return models.NewError(models.KindValidation, "templates.save", models.ErrBuiltinImmutable)
	}
	s.cache[cp.TemplateName] = cp
	s.mu.Unlock()

	return s.persist.Persist(cp)
}

// Delete removes a template; builtins are immutable.
func (s *Store) Delete(name string) error {
	if err := s.seed(); err != nil {
		return err
	}
	s.mu.Lock()
	t, ok := s.cache[name]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "templates.delete", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name))
	}
	if t.IsBuiltin {
		s.mu.Unlock()
		return models.NewError(models.KindValidation, "templates.delete", models.ErrBuiltinImmutable)
	}
	delete(s.cache, name)
	s.mu.Unlock()
	return s.persist.Remove(name)
}

// BumpUsage records one discovery/runtime use of the template: usage count
// increments, success rate is exponentially smoothed, last_used_at updates.
func (s *Store) BumpUsage(name string, success bool) error {
	if err := s.seed(); err != nil {
		return err
	}
	const alpha = 0.2
	s.mu.Lock()
	t, ok := s.cache[name]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "templates.bump_usage", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name))
	}
	t.UsageCount++
	observed := 0.0
	if success {
		observed = 100.0
	}
	if t.UsageCount == 1 {
		t.SuccessRate = observed
	} else {
		t.SuccessRate = t.SuccessRate*(1-alpha) + observed*alpha
	}
	now := time.Now().UTC()
	t.LastUsedAt = &now
	cp := t.Clone()
	s.mu.Unlock()
	return s.persist.Persist(cp)
}

// loadCatalogDirLocked reads *.json template files from the catalog dir.
// Caller holds the write lock.
func (s *Store) loadCatalogDirLocked() error {
	entries, err := os.ReadDir(s.cfg.CatalogDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.CatalogDir, e.Name()))
		if err != nil {
			return err
		}
		t, err := Decode(data)
		if err != nil {
			if s.log != nil {
				s.log.WarnCtx(context.Background(), "skipping invalid template file", "file", e.Name(), "error", err)
			}
			continue
		}
		// Imported files never shadow builtins and never claim builtin status.
		if existing, ok := s.cache[t.TemplateName]; ok && existing.IsBuiltin {
			continue
		}
		t.IsBuiltin = false
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		s.cache[t.TemplateName] = t
	}
	return nil
}

// Watch starts hot reloading of the catalog dir. No-op when unconfigured.
func (s *Store) Watch(ctx context.Context) error {
	if s.cfg.CatalogDir == "" || !s.cfg.WatchDir {
		return nil
	}
	if err := s.seed(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := w.Add(s.cfg.CatalogDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.cfg.CatalogDir, err)
	}
	s.watcher = w
	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				s.mu.Lock()
				err := s.loadCatalogDirLocked()
				s.mu.Unlock()
				if err != nil && s.log != nil {
					s.log.WarnCtx(ctx, "catalog reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if s.log != nil {
					s.log.WarnCtx(ctx, "catalog watcher error", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.watchWG.Wait()
	return nil
}

// memoryPersistence keeps templates for the process lifetime only.
type memoryPersistence struct {
	mu   sync.Mutex
	byID map[string]*Template
}

func (m *memoryPersistence) LoadAll() ([]*Template, error) { return nil, nil }

func (m *memoryPersistence) Persist(t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = make(map[string]*Template)
	}
	m.byID[t.TemplateName] = t.Clone()
	return nil
}

func (m *memoryPersistence) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, name)
	return nil
}

// FilePersistence stores each template as <dir>/<template_name>.json.
type FilePersistence struct {
	Dir string
}

func (f *FilePersistence) LoadAll() ([]*Template, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Template
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		t, err := Decode(data)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *FilePersistence) Persist(t *Template) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	data, err := Encode(t)
	if err != nil {
		return err
	}
	tmp := filepath.Join(f.Dir, t.TemplateName+".json.tmp")
	final := filepath.Join(f.Dir, t.TemplateName+".json")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (f *FilePersistence) Remove(name string) error {
	err := os.Remove(filepath.Join(f.Dir, name+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
