package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxTrackedIPs bounds the join history kept in memory.
const maxTrackedIPs = 10000

// JoinLimiter admits at most limit signaling joins per client IP in any sliding window.
// Only WebSocket upgrades count as joins; other requests on the route pass through.
type JoinLimiter struct {
	limit  int
	window time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	joins     map[string][]time.Time
	lastSweep time.Time
}

func NewJoinLimiter(limit int, window time.Duration, logger *zap.Logger) *JoinLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JoinLimiter{
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
		joins:  make(map[string][]time.Time),
	}
}

// Allow records a join from ip and reports whether it is within the limit.
// Rejected joins are not recorded.
func (l *JoinLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window || len(l.joins) >= maxTrackedIPs {
		l.sweepLocked(cutoff)
		l.lastSweep = now
	}

	recent := trimBefore(l.joins[ip], cutoff)
	if len(recent) >= l.limit {
		l.joins[ip] = recent
		return false
	}
	if len(recent) == 0 && len(l.joins) >= maxTrackedIPs {
		// Table is full of active clients; refuse newcomers instead of forgetting history.
		return false
	}
	l.joins[ip] = append(recent, now)
	return true
}

// sweepLocked forgets clients with no join inside the window.
func (l *JoinLimiter) sweepLocked(cutoff time.Time) {
	for ip, ts := range l.joins {
		if ts = trimBefore(ts, cutoff); len(ts) == 0 {
			delete(l.joins, ip)
		} else {
			l.joins[ip] = ts
		}
	}
}

// trimBefore drops the leading joins at or before cutoff; ts is in ascending order.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// Wrap rejects WebSocket upgrades beyond the limit with 429 before next sees them.
func (l *JoinLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ip := clientIP(r)
			if !l.Allow(ip) {
				l.logger.Warn("join rejected by rate limit", zap.String("ip", ip))
				http.Error(w, "too many joins, try again later", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses RemoteAddr only; X-Forwarded-For can be spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
