package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Store keeps live sessions in memory. Idle sessions expire after ttl; a
// zero ttl keeps them until deleted.
type Store struct {
	items    *cache.Cache
	ttl      time.Duration
	defaults Settings
	mu       sync.Mutex
	now      func() time.Time
}

func NewStore(ttl time.Duration, defaults Settings) *Store {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = max(ttl/2, time.Second)
	}
	return &Store{
		items:    cache.New(expiration, cleanup),
		ttl:      ttl,
		defaults: defaults,
		now:      time.Now,
	}
}

func (s *Store) Defaults() Settings {
	return s.defaults
}

// Get returns a live session and refreshes its expiry.
func (s *Store) Get(id string) (*Session, bool) {
	x, ok := s.items.Get(id)
	if !ok {
		return nil, false
	}
	sess := x.(*Session)
	if s.ttl > 0 {
		// Replace only writes while the key exists, so a concurrent
		// Delete is not undone.
		_ = s.items.Replace(id, sess, cache.DefaultExpiration)
	}
	return sess, true
}

// GetOrCreate returns the session with this id, creating it with default
// settings on first use.
func (s *Store) GetOrCreate(id string, userID uint) *Session {
	if sess, ok := s.Get(id); ok {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.Get(id); ok {
		return sess
	}
	sess := newSession(id, userID, s.defaults, s.now)
	s.items.Set(id, sess, cache.DefaultExpiration)
	return sess
}

// Create starts a session under a fresh id. Empty settings fields take the
// store defaults.
func (s *Store) Create(userID uint, settings Settings) *Session {
	if settings.Title == "" {
		settings.Title = s.defaults.Title
	}
	if settings.Persona == "" {
		settings.Persona = s.defaults.Persona
	}
	if settings.Language == "" {
		settings.Language = s.defaults.Language
	}
	sess := newSession(uuid.NewString(), userID, settings, s.now)
	s.items.Set(sess.ID(), sess, cache.DefaultExpiration)
	return sess
}

// Put adds a session built elsewhere, such as one restored from storage.
// If the id is already live the existing session wins.
func (s *Store) Put(sess *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.Get(sess.ID()); ok {
		return existing
	}
	s.items.Set(sess.ID(), sess, cache.DefaultExpiration)
	return sess
}

func (s *Store) Delete(id string) {
	s.items.Delete(id)
}

// List returns a user's live sessions, most recently updated first.
func (s *Store) List(userID uint) []*Session {
	var out []*Session
	for _, item := range s.items.Items() {
		sess := item.Object.(*Session)
		if sess.UserID() == userID {
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return b.UpdatedAt().Compare(a.UpdatedAt())
	})
	return out
}

func (s *Store) Len() int {
	return s.items.ItemCount()
}
