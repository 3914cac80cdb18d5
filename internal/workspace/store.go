// Package workspace keeps one orchestrator per browser session and expires
// idle ones.
package workspace

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"storyboard-studio/internal/pipeline"
)

type Workspace struct {
	ID           string
	Orchestrator *pipeline.Orchestrator
	CreatedAt    time.Time
}

type Options struct {
	TTL time.Duration
	// New builds the orchestrator for a fresh workspace.
	New func() *pipeline.Orchestrator
}

type Store struct {
	mu    sync.Mutex
	items *cache.Cache
	ttl   time.Duration
	newFn func() *pipeline.Orchestrator
}

func NewStore(opts Options) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	newFn := opts.New
	if newFn == nil {
		newFn = func() *pipeline.Orchestrator { return pipeline.NewOrchestrator(pipeline.Options{}) }
	}

	return &Store{
		items: cache.New(ttl, ttl/2),
		ttl:   ttl,
		newFn: newFn,
	}
}

// Get returns the workspace for id and refreshes its expiry.
func (s *Store) Get(id string) (*Workspace, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

// GetOrCreate returns the workspace for id, creating one with a new id when
// id is empty, malformed or expired.
func (s *Store) GetOrCreate(id string) (*Workspace, bool) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ws, ok := s.getLocked(id); ok {
		return ws, false
	}
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}

	ws := &Workspace{
		ID:           id,
		Orchestrator: s.newFn(),
		CreatedAt:    time.Now(),
	}
	s.items.Set(id, ws, s.ttl)
	return ws, true
}

func (s *Store) getLocked(id string) (*Workspace, bool) {
	v, ok := s.items.Get(id)
	if !ok {
		return nil, false
	}
	ws := v.(*Workspace)
	s.items.Set(id, ws, s.ttl)
	return ws, true
}

func (s *Store) Delete(id string) {
	s.items.Delete(id)
}

func (s *Store) Len() int {
	return s.items.ItemCount()
}
