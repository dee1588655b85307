package pairapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// windowLimiter is a sliding-window limiter for one key.
type windowLimiter struct {
	events []time.Time
}

func (l *windowLimiter) allow(now time.Time, limit int, window time.Duration) bool {
	cut := now.Add(-window)
	dst := l.events[:0]
	for _, t := range l.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	l.events = dst

	if len(l.events) >= limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// ipLimiter keeps one windowLimiter per client IP. Idle keys are pruned lazily.
type ipLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	perIP     map[string]*windowLimiter
	lastPrune time.Time
}

func newIPLimiter(limit int, window time.Duration) *ipLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &ipLimiter{limit: limit, window: window, perIP: make(map[string]*windowLimiter)}
}

// Allow reports whether ip may start another request at now. A nil limiter allows everything.
func (l *ipLimiter) Allow(ip net.IP, now time.Time) bool {
	if l == nil || ip == nil {
		return true
	}
	key := ip.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.window {
		l.prune(now)
		l.lastPrune = now
	}

	wl, ok := l.perIP[key]
	if !ok {
		wl = &windowLimiter{events: make([]time.Time, 0, l.limit)}
		l.perIP[key] = wl
	}
	return wl.allow(now, l.limit, l.window)
}

func (l *ipLimiter) prune(now time.Time) {
	cut := now.Add(-l.window)
	for k, wl := range l.perIP {
		if n := len(wl.events); n == 0 || !wl.events[n-1].After(cut) {
			delete(l.perIP, k)
		}
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
