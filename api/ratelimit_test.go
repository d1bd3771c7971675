package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBackoff(clock *testClock) *backoffLimiter {
	l := newBackoffLimiter(backoffPolicy{threshold: 3, base: time.Minute, ceiling: 4 * time.Minute, expiry: time.Hour})
	l.now = clock.now
	return l
}

func TestBackoffLimiter_BlocksAtThreshold(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := newTestBackoff(clock)

	for range 2 {
		l.hit("alice")
		blocked, _ := l.check("alice")
		assert.False(t, blocked)
	}
	l.hit("alice")
	blocked, retryAfter := l.check("alice")
	require.True(t, blocked)
	assert.Equal(t, time.Minute, retryAfter)

	blocked, _ = l.check("bob")
	assert.False(t, blocked, "keys are independent")
}

func TestBackoffLimiter_ExponentialAndCapped(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := newTestBackoff(clock)

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for range 2 {
		l.hit("alice")
	}
	for _, w := range want {
		l.hit("alice")
		_, retryAfter := l.check("alice")
		assert.Equal(t, w, retryAfter)
	}
}

func TestBackoffLimiter_LockoutElapses(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := newTestBackoff(clock)
	for range 3 {
		l.hit("alice")
	}
	clock.advance(time.Minute + time.Second)
	blocked, _ := l.check("alice")
	assert.False(t, blocked)
}

func TestBackoffLimiter_ResetAndExpiry(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := newTestBackoff(clock)

	for range 3 {
		l.hit("alice")
	}
	l.reset("alice")
	blocked, _ := l.check("alice")
	assert.False(t, blocked)

	l.hit("bob")
	l.hit("bob")
	clock.advance(2 * time.Hour)
	l.hit("bob")
	blocked, _ = l.check("bob")
	assert.False(t, blocked, "hits older than the expiry are forgotten")

	clock.advance(2 * time.Hour)
	l.sweep()
	assert.Empty(t, l.keys)
}

func TestWindowLimiter(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := &windowLimiter{window: time.Minute, max: 3, lockout: 5 * time.Minute, now: clock.now}

	l.hit()
	l.hit()
	clock.advance(2 * time.Minute)
	l.hit()
	blocked, _ := l.check()
	assert.False(t, blocked, "hits outside the window do not count")

	l.hit()
	l.hit()
	blocked, retryAfter := l.check()
	require.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retryAfter)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "ipv4-mapped ipv6 unmapped", remoteAddr: "[::ffff:192.0.2.1]:80", want: "192.0.2.1"},
		{name: "unparseable", remoteAddr: "not-a-hostport", want: ""},
		{
			name:       "no proxies configured ignores headers",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honours first valid xff",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.25, 203.0.113.9"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "trusted proxy forwarded header",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:443";proto=https`},
			proxies:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "trusted proxy x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			proxies:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25", "X-Real-IP": "198.51.100.26"},
			proxies:    trusted,
			want:       "192.168.1.1",
		},
		{
			name:       "trusted proxy without headers",
			remoteAddr: "10.0.0.1:80",
			proxies:    trusted,
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestBackoffLimiter_Sweep(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := newTestBackoff(clock)

	l.hit("stale")
	clock.advance(50 * time.Minute)
	l.hit("fresh")
	clock.advance(20 * time.Minute)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.keys, "stale")
	assert.Contains(t, l.keys, "fresh")
}

func TestAPICloseStopsMaintenance(t *testing.T) {
	a := &API{
		loginLimiter:   newLoginLimiter(),
		loginIPLimiter: newLoginIPLimiter(),
		regIPLimiter:   newRegistrationIPLimiter(),
		cliInitLimiter: newCLIInitLimiter(),
	}
	a.startMaintenance(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	a.Close()
	a.Close()

	select {
	case <-a.maintenanceDone:
	default:
		t.Fatal("maintenance goroutine still running")
	}
}
