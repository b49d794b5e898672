package idempotency

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"time"
)

const (
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from the store.
	HeaderReplayed = "Idempotent-Replayed"

	lockTTL = 30 * time.Second
)

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func replay(w http.ResponseWriter, r *http.Request, prev *Response) {
	if prev.Method != r.Method || prev.Path != r.URL.Path {
		http.Error(w, "Idempotency-Key was already used for a different request", http.StatusUnprocessableEntity)
		return
	}
	if prev.ContentType != "" {
		w.Header().Set("Content-Type", prev.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(prev.StatusCode)
	w.Write(prev.Body)
}

// Middleware replays the recorded response for POST requests that repeat an
// Idempotency-Key. Requests without the header pass straight through, and so
// does everything when store is nil.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if store == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			prev, err := store.Get(ctx, key)
			if err != nil {
				log.Printf("Idempotency lookup failed for %s: %v", key, err)
				http.Error(w, "Idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if prev != nil {
				replay(w, r, prev)
				return
			}

			ok, err := store.Reserve(ctx, key, lockTTL)
			if err != nil {
				log.Printf("Idempotency reserve failed for %s: %v", key, err)
				http.Error(w, "Idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if !ok {
				http.Error(w, "A request with this Idempotency-Key is in progress", http.StatusConflict)
				return
			}
			// Recording and releasing must outlive a client that hung up after the write.
			bg := context.WithoutCancel(ctx)
			defer func() {
				if err := store.Release(bg, key); err != nil {
					log.Printf("Failed to release idempotency key %s: %v", key, err)
				}
			}()

			// A request holding the key may have finished between Get and Reserve.
			prev, err = store.Get(bg, key)
			if err != nil {
				log.Printf("Idempotency lookup failed for %s: %v", key, err)
				http.Error(w, "Idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if prev != nil {
				replay(w, r, prev)
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Server errors are not recorded so the client can retry them.
			if rec.status == 0 || rec.status >= http.StatusInternalServerError {
				return
			}
			resp := &Response{
				Method:      r.Method,
				Path:        r.URL.Path,
				StatusCode:  rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Save(bg, key, resp, ttl); err != nil {
				log.Printf("Failed to record idempotent response for %s: %v", key, err)
			}
		})
	}
}
