package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the work factor for stored password hashes.
const BcryptCost = 12

// ErrUserNotFound is returned by UserStore.Lookup for unknown usernames.
var ErrUserNotFound = errors.New("user not found")

// User is a stored credential record.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// UserStore resolves usernames to credential records.
type UserStore interface {
	Lookup(ctx context.Context, username string) (*User, error)
}

// PostgresUserStore reads users from the users table.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) Lookup(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, role FROM users WHERE username = $1", username)

	var u User
	err := row.Scan(&u.Username, &u.PasswordHash, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &u, nil
}

// MemoryUserStore holds users in memory. It backs development deployments
// where no users table exists yet.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

// Add hashes the password and stores the user. The username is normalized
// the same way login normalizes it.
func (s *MemoryUserStore) Add(username, password, role string, cost int) error {
	if cost == 0 {
		cost = BcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(username))
	s.users[key] = &User{Username: key, PasswordHash: string(hash), Role: role}
	return nil
}

func (s *MemoryUserStore) Lookup(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// SeedDemoUsers loads the stock development accounts. Hashing four passwords
// at the full work factor takes around a second, so it runs once at boot.
func SeedDemoUsers(s *MemoryUserStore, cost int) error {
	seeds := []struct{ username, password, role string }{
		{"admin", "admin123", RoleAdmin},
		{"operator", "operator123", RoleOperator},
		{"developer", "dev123", RoleDeveloper},
		{"observer", "obs123", RoleObserver},
	}
	for _, seed := range seeds {
		if err := s.Add(seed.username, seed.password, seed.role, cost); err != nil {
			return err
		}
	}
	return nil
}
