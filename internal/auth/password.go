// ABOUTME: Password hashing and agent/admin credential checks
// ABOUTME: bcrypt hashes with a dummy comparison for unknown users to keep timing flat

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-desk/internal/store"
)

// ErrInvalidCredentials is returned for an unknown username or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// dummyHash is compared against when the user does not exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares password against hash. An empty hash never matches.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Accounts is the credential lookup used by Authenticator.
type Accounts interface {
	GetAgentByUsername(ctx context.Context, username string) (*store.Agent, error)
	GetAdminByUsername(ctx context.Context, username string) (*store.Admin, error)
}

// Session is the result of a successful login.
type Session struct {
	PrincipalID string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Token       string `json:"token,omitempty"`
}

// Authenticator checks credentials and issues tokens. Without a generator, sessions carry no token.
type Authenticator struct {
	accounts  Accounts
	generator *JWTVerifier
	ttl       time.Duration
}

// NewAuthenticator creates an Authenticator. generator may be nil.
func NewAuthenticator(accounts Accounts, generator *JWTVerifier, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{accounts: accounts, generator: generator, ttl: ttl}
}

// LoginAgent verifies agent credentials.
func (a *Authenticator) LoginAgent(ctx context.Context, username, password string) (*store.Agent, *Session, error) {
	agent, err := a.accounts.GetAgentByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			CheckPassword("", password)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("looking up agent: %w", err)
	}
	if !CheckPassword(agent.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}
	sess, err := a.session(agent.ID, agent.Username, RoleAgent)
	if err != nil {
		return nil, nil, err
	}
	return agent, sess, nil
}

// LoginAdmin verifies admin credentials.
func (a *Authenticator) LoginAdmin(ctx context.Context, username, password string) (*store.Admin, *Session, error) {
	admin, err := a.accounts.GetAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			CheckPassword("", password)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("looking up admin: %w", err)
	}
	if !CheckPassword(admin.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}
	sess, err := a.session(admin.ID, admin.Username, RoleAdmin)
	if err != nil {
		return nil, nil, err
	}
	return admin, sess, nil
}

func (a *Authenticator) session(id, username, role string) (*Session, error) {
	sess := &Session{PrincipalID: id, Username: username, Role: role}
	if a.generator == nil {
		return sess, nil
	}
	token, err := a.generator.Generate(id, role, a.ttl)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	sess.Token = token
	return sess, nil
}
