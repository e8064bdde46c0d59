package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/arcfabric/controlplane/pkg/api"
)

// Requests per minute by role. Unknown roles fall back to the observer rate.
var roleRatesPerMinute = map[string]int{
	RoleAdmin:     100,
	RoleOperator:  50,
	RoleDeveloper: 30,
	RoleObserver:  20,
}

const anonymousRatePerMinute = 5

// tokenBucketScript runs the token bucket atomically in Redis so the limit
// holds across instances.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/sec),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = current unix time (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RateLimiter enforces per-principal request rates. Authenticated principals
// share a Redis-backed bucket keyed by user id so the limit holds across
// instances; anonymous traffic uses a local per-IP limiter.
type RateLimiter struct {
	kv *redis.Client

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(kv *redis.Client) *RateLimiter {
	rl := &RateLimiter{
		kv:       kv,
		visitors: make(map[string]*visitor),
	}
	go rl.cleanupVisitors()
	return rl
}

// Middleware applies the rate appropriate to the request principal. It must
// run after the auth middleware on protected routes; on public routes the
// anonymous rate applies.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := GetPrincipal(r.Context())
		if err != nil {
			if !rl.allowAnonymous(ClientIP(r)) {
				api.WriteErrorR(w, r, api.TooManyRequests(""))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		rpm, ok := roleRatesPerMinute[principal.Role]
		if !ok {
			rpm = roleRatesPerMinute[RoleObserver]
		}

		allowed, err := rl.allowPrincipal(r, principal.ID, rpm)
		if err != nil {
			// A limiter outage must not take down the API.
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			api.WriteErrorR(w, r, api.TooManyRequests(""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allowPrincipal(r *http.Request, principalID string, rpm int) (bool, error) {
	key := fmt.Sprintf("rate_limit:%s", principalID)
	refillRate := float64(rpm) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(r.Context(), rl.kv, []string{key}, refillRate, rpm, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("rate limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

func (rl *RateLimiter) allowAnonymous(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rate.Limit(float64(anonymousRatePerMinute)/60.0), anonymousRatePerMinute)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter.Allow()
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// cleanupVisitors removes stale visitor entries to prevent memory leaks.
func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the caller address, stripping the port and any IPv6
// brackets.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
