package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffPolicy configures a backoffLimiter. Once a key has accumulated
// threshold hits it is locked out for base, doubling with each further
// hit up to ceiling. A key idle for longer than expiry starts over.
type backoffPolicy struct {
	threshold int
	base      time.Duration
	ceiling   time.Duration
	expiry    time.Duration
}

func (p backoffPolicy) lockout(hits int) time.Duration {
	d := p.base
	for i := p.threshold; i < hits; i++ {
		d *= 2
		if d >= p.ceiling {
			return p.ceiling
		}
	}
	return d
}

// backoffLimiter counts hits per key with exponential lockout. For logins
// a hit is a failure; for registration and CLI pairing every request is a
// hit.
type backoffLimiter struct {
	policy backoffPolicy
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*hitRecord
}

type hitRecord struct {
	hits        int
	lastHit     time.Time
	lockedUntil time.Time
}

func newBackoffLimiter(p backoffPolicy) *backoffLimiter {
	return &backoffLimiter{policy: p, now: time.Now, keys: make(map[string]*hitRecord)}
}

// Login failures per account, keyed by the normalised login name.
func newLoginLimiter() *backoffLimiter {
	return newBackoffLimiter(backoffPolicy{threshold: 5, base: time.Minute, ceiling: 15 * time.Minute, expiry: time.Hour})
}

// Login failures per client IP.
func newLoginIPLimiter() *backoffLimiter {
	return newBackoffLimiter(backoffPolicy{threshold: 20, base: time.Minute, ceiling: 30 * time.Minute, expiry: time.Hour})
}

// Registration requests per client IP.
func newRegistrationIPLimiter() *backoffLimiter {
	return newBackoffLimiter(backoffPolicy{threshold: 5, base: 5 * time.Minute, ceiling: time.Hour, expiry: time.Hour})
}

// CLI pairing requests per client IP.
func newCLIInitLimiter() *backoffLimiter {
	return newBackoffLimiter(backoffPolicy{threshold: 30, base: time.Minute, ceiling: 15 * time.Minute, expiry: 30 * time.Minute})
}

// check reports whether key is locked out and for how long.
func (l *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.keys[key]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Sub(rec.lastHit) > l.policy.expiry {
		delete(l.keys, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *backoffLimiter) hit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.keys[key]
	if !ok || now.Sub(rec.lastHit) > l.policy.expiry {
		rec = &hitRecord{}
		l.keys[key] = rec
	}
	rec.hits++
	rec.lastHit = now
	if rec.hits >= l.policy.threshold {
		rec.lockedUntil = now.Add(l.policy.lockout(rec.hits))
	}
}

func (l *backoffLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// sweep drops idle records.
func (l *backoffLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, rec := range l.keys {
		if now.Sub(rec.lastHit) > l.policy.expiry {
			delete(l.keys, key)
		}
	}
}

// windowLimiter locks everyone out for lockout once max hits land within
// window.
type windowLimiter struct {
	window  time.Duration
	max     int
	lockout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	hits        []time.Time
	lockedUntil time.Time
}

func newLoginGlobalLimiter() *windowLimiter {
	return &windowLimiter{window: time.Minute, max: 100, lockout: 5 * time.Minute, now: time.Now}
}

func newRegistrationGlobalLimiter() *windowLimiter {
	return &windowLimiter{window: time.Minute, max: 50, lockout: 5 * time.Minute, now: time.Now}
}

func (l *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.now(); now.Before(l.lockedUntil) {
		return true, l.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *windowLimiter) hit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.hits = trimWindow(append(l.hits, now), now, l.window)
	if len(l.hits) >= l.max {
		l.lockedUntil = now.Add(l.lockout)
	}
}

// writeRateLimited sends a 429 with a Retry-After header.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}

// clientIP returns the address the request came from, honouring
// forwarding headers only from trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the client IP address. Forwarding
// headers (X-Forwarded-For, then Forwarded, then X-Real-IP) are consulted
// only when RemoteAddr lies inside one of trustedProxies; otherwise
// RemoteAddr is returned.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if remoteIP == "" || !isTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for elem := range strings.SplitSeq(fwd, ",") {
			for param := range strings.SplitSeq(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func isTrusted(ip string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIPCandidate normalises "1.2.3.4", "1.2.3.4:80", "[::1]:80" and
// quoted RFC 7239 forms to a bare address.
func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
