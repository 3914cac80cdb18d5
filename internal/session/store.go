package session

import (
	"sync"
	"time"

	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/pipeline"
	"storyboard-studio/internal/style"
)

// Settings are the per-chat generation preferences.
type Settings struct {
	AspectRatio   imagegen.AspectRatio
	StylePreset   string
	StyleKeywords string
	Niche         string
	Reference     *style.Reference
}

// Keywords is the preset merged with the free-text keywords.
func (s Settings) Keywords() string {
	return style.Keywords(s.StylePreset, s.StyleKeywords)
}

type Session struct {
	ChatID       int64
	Username     string
	Settings     Settings
	Orchestrator *pipeline.Orchestrator
	LastActivity time.Time
}

type Options struct {
	// New builds the orchestrator for a fresh chat.
	New func() *pipeline.Orchestrator
}

type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	newFn    func() *pipeline.Orchestrator
}

func NewStore(opts Options) *Store {
	newFn := opts.New
	if newFn == nil {
		newFn = func() *pipeline.Orchestrator { return pipeline.NewOrchestrator(pipeline.Options{}) }
	}

	return &Store{
		sessions: make(map[int64]*Session),
		newFn:    newFn,
	}
}

// Orchestrator returns the chat's orchestrator, creating the session if needed.
func (s *Store) Orchestrator(chatID int64, username string) *pipeline.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(chatID, username)
	sess.LastActivity = time.Now()
	return sess.Orchestrator
}

// Settings returns a copy of the chat's settings.
func (s *Store) Settings(chatID int64, username string) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(chatID, username)
	sess.LastActivity = time.Now()
	return sess.Settings
}

// Update applies fn to the chat's settings under the store lock.
func (s *Store) Update(chatID int64, username string, fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(chatID, username)
	sess.LastActivity = time.Now()
	fn(&sess.Settings)
	return sess.Settings
}

// Clear resets the chat's settings; the orchestrator is kept.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[chatID]; ok {
		sess.Settings = Settings{}
		sess.LastActivity = time.Now()
	}
}

// Prune drops sessions idle for longer than maxIdle whose orchestrator is
// not running. It returns the number removed.
func (s *Store) Prune(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) && !sess.Orchestrator.State().Busy() {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) getOrCreateLocked(chatID int64, username string) *Session {
	if sess, ok := s.sessions[chatID]; ok {
		if sess.Username == "" && username != "" {
			sess.Username = username
		}
		return sess
	}

	sess := &Session{
		ChatID:       chatID,
		Username:     username,
		Orchestrator: s.newFn(),
		LastActivity: time.Now(),
	}
	s.sessions[chatID] = sess
	return sess
}
