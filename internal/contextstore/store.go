// Package contextstore keeps the token context of each conversation session,
// trimmed to the newest N tokens.
package contextstore

import "github.com/puzpuzpuz/xsync/v4"

// DefaultMaxTokens is the per-session window when none is configured.
const DefaultMaxTokens = 2048

// Store maps session ids to token sequences. It is safe for concurrent use;
// concurrent Puts to the same session are last-writer-wins.
type Store struct {
	max      int
	sessions *xsync.Map[string, []int]
}

// New returns a store that keeps at most maxTokens tokens per session. A
// non-positive maxTokens makes Put store nothing.
func New(maxTokens int) *Store {
	return &Store{max: maxTokens, sessions: xsync.NewMap[string, []int]()}
}

// MaxTokens returns the window size.
func (s *Store) MaxTokens() int { return s.max }

// Get returns a copy of the session's tokens, or nil for an unknown session.
func (s *Store) Get(id string) []int {
	toks, ok := s.sessions.Load(id)
	if !ok {
		return nil
	}
	return append([]int(nil), toks...)
}

// Put replaces the session's tokens, keeping only the newest MaxTokens.
func (s *Store) Put(id string, tokens []int) {
	if s.max <= 0 {
		return
	}
	if len(tokens) > s.max {
		tokens = tokens[len(tokens)-s.max:]
	}
	s.sessions.Store(id, append([]int(nil), tokens...))
}

// Clear forgets one session. Unknown ids are ignored.
func (s *Store) Clear(id string) { s.sessions.Delete(id) }

// ClearAll forgets every session.
func (s *Store) ClearAll() { s.sessions.Clear() }

// Len returns the number of sessions with stored context.
func (s *Store) Len() int { return s.sessions.Size() }
