// Package session persists accumulated tool-call results across successive
// client turns that share one logical multi-step analysis.
package session

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TTL is how long a session survives after its last write.
const TTL = 1 * time.Hour

// keyPrefixLen is how many characters of the base64-encoded hash form the
// deterministic session key, per spec.md §4.7.
const keyPrefixLen = 20

// Session is the persisted state for one multi-call analysis.
type Session struct {
	SessionKey        string
	SessionID         string
	Results           map[string]any
	Args              map[string]any
	LastCompletedStep int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type entry struct {
	session Session
}

// Store is an in-memory, TTL-expiring session table. Indexed by SessionID;
// finding a session by its deterministic SessionKey is a linear scan over
// live entries, per spec.md §4.7.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: map[string]entry{}}
}

// Get returns the session for sessionID if present and not expired. TTL is
// checked on every read; an expired entry is deleted and reported as a
// miss.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *Store) getLocked(sessionID string) (Session, bool) {
	e, ok := s.entries[sessionID]
	if !ok {
		return Session{}, false
	}
	if time.Since(e.session.UpdatedAt) > TTL {
		delete(s.entries, sessionID)
		return Session{}, false
	}
	return e.session, true
}

// FindByKey linearly scans live entries for a matching deterministic
// SessionKey, used when the caller omits a SessionID.
func (s *Store) FindByKey(sessionKey string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.entries {
		if now.Sub(e.session.UpdatedAt) > TTL {
			delete(s.entries, id)
			continue
		}
		if e.session.SessionKey == sessionKey {
			return e.session, true
		}
	}
	return Session{}, false
}

// Put persists or refreshes a session, stamping UpdatedAt (and CreatedAt on
// first insert).
func (s *Store) Put(sess Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.entries[sess.SessionID]; ok {
		sess.CreatedAt = existing.session.CreatedAt
	} else if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.entries[sess.SessionID] = entry{session: sess}
	return sess
}

// deterministicKeyArgs is the hardcoded whitelist from spec.md §4.7; this
// is an Open Question the spec leaves orchestrator-declared as future work,
// not implemented here.
var deterministicKeyArgs = []string{"hours", "focus", "database_name", "table_name"}

// DeterministicKey derives a stable key from the tool name and a whitelisted
// subset of args, regardless of any other args present. Equal (tool, hours,
// focus, database_name, table_name) tuples always produce equal keys.
func DeterministicKey(tool string, args map[string]any) string {
	canon := map[string]any{"tool": tool}
	for _, k := range deterministicKeyArgs {
		if v, ok := args[k]; ok {
			canon[k] = v
		}
	}

	keys := make([]string, 0, len(canon))
	for k := range canon {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, canon[k])
	}

	raw, _ := json.Marshal(ordered)
	sum := sha256.Sum256(raw)
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(encoded) > keyPrefixLen {
		encoded = encoded[:keyPrefixLen]
	}
	return encoded
}

// NewSessionID mints an opaque handle for a freshly created session.
func NewSessionID() string {
	return uuid.NewString()
}
