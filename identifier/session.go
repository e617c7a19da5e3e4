package identifier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lewtec/plantid/internal/workflow"
	"go.uber.org/zap"
)

// SessionCookie names the cookie carrying the visitor session id
const SessionCookie = "plantid_session"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const sessionKey contextKey = "session"

// SessionStore keeps one workflow.Session per browser
type SessionStore struct {
	ttl     time.Duration
	factory func() *workflow.Session
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*workflow.Session
}

// NewSessionStore creates a store whose sessions are dropped after ttl
// without requests
func NewSessionStore(ttl time.Duration, factory func() *workflow.Session, log *zap.Logger) *SessionStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionStore{
		ttl:      ttl,
		factory:  factory,
		log:      log,
		now:      time.Now,
		sessions: map[string]*workflow.Session{},
	}
}

// Get returns the session for id, if it is still alive
func (s *SessionStore) Get(id string) (*workflow.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Create starts a new session and returns its id
func (s *SessionStore) Create() (string, *workflow.Session) {
	id := uuid.NewString()
	session := s.factory()
	session.Touch(s.now())
	s.mu.Lock()
	s.sessions[id] = session
	count := len(s.sessions)
	s.mu.Unlock()
	activeSessions.Set(float64(count))
	s.log.Debug("session created", zap.String("session", id))
	return id, session
}

// Len is the number of live sessions
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes the sessions idle for longer than the ttl
func (s *SessionStore) Reap() int {
	deadline := s.now().Add(-s.ttl)
	var expired []*workflow.Session
	s.mu.Lock()
	for id, session := range s.sessions {
		if session.LastSeen().Before(deadline) {
			expired = append(expired, session)
			delete(s.sessions, id)
			s.log.Debug("session expired", zap.String("session", id))
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()
	activeSessions.Set(float64(count))
	for _, session := range expired {
		session.Close()
	}
	return len(expired)
}

// RunReaper reaps every interval until ctx is done, then closes every
// remaining session
func (s *SessionStore) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.log.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *SessionStore) closeAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = map[string]*workflow.Session{}
	s.mu.Unlock()
	activeSessions.Set(0)
	for _, session := range sessions {
		session.Close()
	}
}

// WithSession adds a session to the context
func WithSession(ctx context.Context, session *workflow.Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// GetSession retrieves the session from context
func GetSession(ctx context.Context) *workflow.Session {
	if session, ok := ctx.Value(sessionKey).(*workflow.Session); ok {
		return session
	}
	return nil
}

// sessionMiddleware attaches the visitor session to each request, starting
// one when the cookie is missing or stale
func (s *SessionStore) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var session *workflow.Session
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			session, _ = s.Get(cookie.Value)
		}
		if session == nil {
			var id string
			id, session = s.Create()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		session.Touch(s.now())
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}
