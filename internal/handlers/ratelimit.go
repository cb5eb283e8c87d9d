package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit throttles each authenticated user to rps requests per second with
// the given burst. It must run after Auth. rps <= 0 disables it.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	users := newUserLimiters(rps, burst)

	return func(c *gin.Context) {
		if !users.allow(userID(c), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// userLimiters drops a user's limiter once it has been idle long enough to be
// full again, so a fresh one behaves the same.
type userLimiters struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	idle      time.Duration
	entries   map[string]*userLimiter
	lastSweep time.Time
}

func newUserLimiters(rps float64, burst int) *userLimiters {
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	return &userLimiters{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		entries: map[string]*userLimiter{},
	}
}

func (u *userLimiters) allow(uid string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if now.Sub(u.lastSweep) > u.idle {
		for k, e := range u.entries {
			if now.Sub(e.seen) > u.idle {
				delete(u.entries, k)
			}
		}
		u.lastSweep = now
	}

	e, ok := u.entries[uid]
	if !ok {
		e = &userLimiter{lim: rate.NewLimiter(u.rps, u.burst)}
		u.entries[uid] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
