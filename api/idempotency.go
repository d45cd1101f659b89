package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
)

// IdempotencyHeader names the client-chosen key for a write request.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

// Idempotency replays the first response of a write request for a repeated
// Idempotency-Key. Keys are scoped by method and path. A request whose key
// is still being processed gets 409. 5xx responses are not remembered, so
// the client can retry them with the same key.
type Idempotency struct {
	cache *cache.Cache
}

type storedResponse struct {
	status      int
	contentType string
	body        []byte
}

// inFlight marks a key whose first request has not finished yet.
type inFlight struct{}

func NewIdempotency(ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{cache: cache.New(ttl, 10*time.Minute)}
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := r.Method + " " + r.URL.Path + " " + key

		if err := i.cache.Add(cacheKey, inFlight{}, cache.DefaultExpiration); err != nil {
			cached, found := i.cache.Get(cacheKey)
			if resp, ok := cached.(*storedResponse); found && ok {
				w.Header().Set("Content-Type", resp.contentType)
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(resp.status)
				w.Write(resp.body)
				return
			}
			writeError(w, http.StatusConflict, "request_in_progress", "A request with this Idempotency-Key is in progress", nil)
			return
		}

		var body bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&body)

		completed := false
		defer func() {
			if !completed {
				// panicked; let the client retry
				i.cache.Delete(cacheKey)
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				i.cache.Delete(cacheKey)
				return
			}
			i.cache.Set(cacheKey, &storedResponse{
				status:      status,
				contentType: ww.Header().Get("Content-Type"),
				body:        body.Bytes(),
			}, cache.DefaultExpiration)
		}()

		next.ServeHTTP(ww, r)
		completed = true
	})
}
