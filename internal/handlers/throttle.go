package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPThrottle limits connection attempts per remote address. Limiters for
// addresses that stop connecting expire from the cache.
type IPThrottle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

// NewIPThrottle allows perSecond attempts per address with the given burst.
// A non-positive rate disables throttling.
func NewIPThrottle(perSecond float64, burst int) *IPThrottle {
	if burst < 1 {
		burst = 1
	}
	return &IPThrottle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: cache.New(10*time.Minute, 10*time.Minute),
	}
}

// Allow reports whether ip may open another connection now.
func (t *IPThrottle) Allow(ip string) bool {
	if t == nil || t.limit <= 0 {
		return true
	}

	t.mu.Lock()
	var lim *rate.Limiter
	if v, ok := t.limiters.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(t.limit, t.burst)
	}
	t.limiters.SetDefault(ip, lim)
	t.mu.Unlock()

	return lim.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
