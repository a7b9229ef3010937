package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned by a CredentialStore when the user
	// is unknown, disabled, or the password does not match.
	ErrInvalidCredentials = errors.New("ftp: invalid credentials")

	// ErrAccountExists is returned by CredentialStore.Create when the
	// username is already taken.
	ErrAccountExists = errors.New("ftp: account already exists")
)

// Account is an authenticated user.
type Account struct {
	// Username is the login name. Anonymous logins report "anonymous".
	Username string

	// Root is the local directory the user is confined to.
	Root string

	// ReadOnly denies every command that modifies the filesystem.
	ReadOnly bool
}

// CredentialStore authenticates users and provisions new accounts.
//
// Implementations are shared by all sessions and must be safe for
// concurrent use. They must not hold internal locks across slow work
// such as password hashing or network calls.
type CredentialStore interface {
	// Lookup returns the account for username if password matches.
	// It returns ErrInvalidCredentials otherwise.
	Lookup(ctx context.Context, username, password string) (*Account, error)

	// Create adds a new account rooted at root.
	// It returns ErrAccountExists if the username is taken.
	Create(ctx context.Context, username, password, root string) (*Account, error)
}

// usernameRe restricts names that may be created through sign-up, since
// they become directory names under the sign-up root.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidUsername reports whether name may be used for a new account.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// IsAnonymous reports whether username selects the anonymous account.
func IsAnonymous(username string) bool {
	switch username {
	case "", "ftp", "anonymous":
		return true
	}
	return false
}

type memoryUser struct {
	hash     []byte
	root     string
	readOnly bool
}

// MemoryStore is an in-memory CredentialStore with bcrypt password hashes.
//
// A single mutex guards the user table. Hashing and comparison happen
// outside of it.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]memoryUser
	anonymous *Account
	cost      int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]memoryUser),
		cost:  bcrypt.DefaultCost,
	}
}

// SetHashCost changes the bcrypt cost used for new passwords.
// Tests use bcrypt.MinCost to stay fast.
func (m *MemoryStore) SetHashCost(cost int) {
	m.mu.Lock()
	m.cost = cost
	m.mu.Unlock()
}

// AddUser hashes password and registers the user.
func (m *MemoryStore) AddUser(username, password, root string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.hashCost())
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return m.AddUserHash(username, string(hash), root, false)
}

// AddUserHash registers a user with an existing bcrypt hash.
func (m *MemoryStore) AddUserHash(username, hash, root string, readOnly bool) error {
	if IsAnonymous(username) {
		return fmt.Errorf("username %q is reserved", username)
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrAccountExists
	}
	m.users[username] = memoryUser{hash: []byte(hash), root: root, readOnly: readOnly}
	return nil
}

// SetAnonymous enables anonymous logins confined to root.
// Any password is accepted for the anonymous account.
func (m *MemoryStore) SetAnonymous(root string, readOnly bool) {
	m.mu.Lock()
	m.anonymous = &Account{Username: "anonymous", Root: root, ReadOnly: readOnly}
	m.mu.Unlock()
}

// Lookup implements CredentialStore.
func (m *MemoryStore) Lookup(_ context.Context, username, password string) (*Account, error) {
	m.mu.Lock()
	if IsAnonymous(username) {
		anon := m.anonymous
		m.mu.Unlock()
		if anon == nil {
			return nil, ErrInvalidCredentials
		}
		acct := *anon
		return &acct, nil
	}
	u, ok := m.users[username]
	m.mu.Unlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Account{Username: username, Root: u.root, ReadOnly: u.readOnly}, nil
}

// Create implements CredentialStore.
func (m *MemoryStore) Create(_ context.Context, username, password, root string) (*Account, error) {
	if IsAnonymous(username) {
		return nil, ErrAccountExists
	}

	m.mu.Lock()
	_, taken := m.users[username]
	m.mu.Unlock()
	if taken {
		return nil, ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.hashCost())
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// Re-check: another session may have signed up the same name while
	// the hash was computed.
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, ErrAccountExists
	}
	m.users[username] = memoryUser{hash: hash, root: root}
	return &Account{Username: username, Root: root}, nil
}

// Usernames returns the registered (non-anonymous) usernames.
func (m *MemoryStore) Usernames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.users))
	for name := range m.users {
		names = append(names, name)
	}
	return names
}

func (m *MemoryStore) hashCost() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cost
}
