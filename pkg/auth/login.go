package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/arcfabric/controlplane/pkg/audit"
	"github.com/arcfabric/controlplane/pkg/metrics"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords
// alike; callers cannot distinguish the two.
var ErrInvalidCredentials = errors.New("auth.invalid_credentials: invalid username or password")

// LockoutError is returned once the failed-attempt counter passes the
// threshold. Further attempts fail fast until the window expires.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	minutes := int(math.Ceil(e.RetryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("rate_limit.exceeded: too many failed login attempts, try again in %d minutes", minutes)
}

// dummyHash is compared against when the user does not exist, keeping login
// latency uniform and preventing user enumeration.
// bcrypt cost 12 hash of a random throwaway string.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// LoginService verifies credentials with per-(principal, client IP) lockout.
type LoginService struct {
	users       UserStore
	kv          *redis.Client
	issuer      *TokenIssuer
	auditor     audit.Recorder
	maxAttempts int
	lockoutTTL  time.Duration
}

func NewLoginService(users UserStore, kv *redis.Client, issuer *TokenIssuer, auditor audit.Recorder, maxAttempts int, lockoutTTL time.Duration) *LoginService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockoutTTL <= 0 {
		lockoutTTL = 15 * time.Minute
	}
	return &LoginService{
		users:       users,
		kv:          kv,
		issuer:      issuer,
		auditor:     auditor,
		maxAttempts: maxAttempts,
		lockoutTTL:  lockoutTTL,
	}
}

// Login verifies the credentials and mints a bearer token. The attempt
// counter is incremented before verification so that lockout is an absorbing
// state: once tripped, no password is checked until the window expires.
func (s *LoginService) Login(ctx context.Context, username, password, clientIP string) (string, *Principal, error) {
	principalID := strings.ToLower(strings.TrimSpace(username))
	attemptKey := fmt.Sprintf("login:attempts:%s:%s", principalID, clientIP)

	attempts, err := s.kv.Incr(ctx, attemptKey).Result()
	if err != nil {
		return "", nil, fmt.Errorf("increment login counter: %w", err)
	}
	// Set the TTL only on the first hit; resetting it on every attempt would
	// extend the window indefinitely.
	if attempts == 1 {
		if err := s.kv.Expire(ctx, attemptKey, s.lockoutTTL).Err(); err != nil {
			return "", nil, fmt.Errorf("set lockout window: %w", err)
		}
	}

	if attempts > int64(s.maxAttempts) {
		retryAfter := s.lockoutTTL
		if ttl, err := s.kv.TTL(ctx, attemptKey).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		metrics.AuthLogins.WithLabelValues("locked").Inc()
		return "", nil, &LockoutError{RetryAfter: retryAfter}
	}

	user, err := s.users.Lookup(ctx, principalID)
	if errors.Is(err, ErrUserNotFound) {
		// Burn a hash comparison anyway so the timing matches a real user.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		s.auditFailure(ctx, principalID, "user_not_found")
		metrics.AuthLogins.WithLabelValues("fail").Inc()
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.auditFailure(ctx, principalID, "invalid_password")
		metrics.AuthLogins.WithLabelValues("fail").Inc()
		return "", nil, ErrInvalidCredentials
	}

	if err := s.kv.Del(ctx, attemptKey).Err(); err != nil {
		return "", nil, fmt.Errorf("clear login counter: %w", err)
	}

	token, err := s.issuer.Mint(principalID, user.Role)
	if err != nil {
		return "", nil, err
	}

	principal := &Principal{
		ID:           principalID,
		Role:         user.Role,
		Capabilities: CapabilitiesFor(user.Role),
	}

	audit.Log(ctx, s.auditor, audit.Event{
		UserID:       principalID,
		Role:         user.Role,
		Action:       "auth.login.success",
		ResourceType: "auth",
		ResourceID:   principalID,
	})
	metrics.AuthLogins.WithLabelValues("success").Inc()

	return token, principal, nil
}

func (s *LoginService) auditFailure(ctx context.Context, principalID, reason string) {
	audit.Log(ctx, s.auditor, audit.Event{
		UserID:       principalID,
		Role:         "anonymous",
		Action:       "auth.login.fail",
		ResourceType: "auth",
		ResourceID:   principalID,
		Details:      map[string]any{"reason": reason},
	})
}
