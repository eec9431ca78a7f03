package httpapi

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// idemTTL is how long a mutating response is replayed for a repeated
// X-Request-Id.
const idemTTL = 10 * time.Minute

type idemEntry struct {
	status int
	body   []byte
	at     time.Time
}

// idemCache replays responses for retried mutating requests. Keyed by
// (user, request id) so ids cannot collide across tenants.
type idemCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*idemEntry
	now func() time.Time
}

func newIdemCache(ttl time.Duration) *idemCache {
	return &idemCache{ttl: ttl, m: make(map[string]*idemEntry), now: time.Now}
}

func (c *idemCache) get(key string) (*idemEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.m, key)
		return nil, false
	}
	return e, true
}

func (c *idemCache) put(key string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.m {
		if c.now().Sub(e.at) > c.ttl {
			delete(c.m, k)
		}
	}
	c.m[key] = &idemEntry{status: status, body: body, at: c.now()}
}

// recorder captures the handler's response for replay.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) { r.status = status }

func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

// idempotent replays the cached response when the caller repeats a
// X-Request-Id within the TTL. Requests without the header pass through.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			next(w, r)
			return
		}
		key := userID(r) + "\x00" + reqID
		if e, ok := s.idem.get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(e.status)
			w.Write(e.body)
			return
		}
		rec := newRecorder()
		next(rec, r)
		s.idem.put(key, rec.status, rec.body.Bytes())
		for k, vs := range rec.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rec.status)
		w.Write(rec.body.Bytes())
	}
}
