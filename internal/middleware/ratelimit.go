package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// maxTrackedClients bounds the limiter map; expired windows are pruned once
// the map grows past it.
const maxTrackedClients = 4096

// RateLimit caps requests per client IP over a fixed window. State is held
// in-process, so with several replicas the effective limit is per replica.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	var mu sync.Mutex
	windows := make(map[string]*window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limiterKey(r)
			now := time.Now()

			mu.Lock()
			if len(windows) > maxTrackedClients {
				for k, win := range windows {
					if now.After(win.reset) {
						delete(windows, k)
					}
				}
			}
			win, ok := windows[key]
			if !ok || now.After(win.reset) {
				win = &window{reset: now.Add(per)}
				windows[key] = win
			}
			if win.count >= limit {
				wait := time.Until(win.reset)
				mu.Unlock()
				w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			win.count++
			mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

// limiterKey picks the first parseable forwarded IP so an abusive client
// cannot share a bucket with everyone behind the same proxy.
func limiterKey(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
