package account

import (
	"encoding/json"
	"sort"
	"sync"
)

// User is a router client identified by the x-login header. Users are
// created lazily on first sight and live in memory only.
type User struct {
	UID    string `json:"uid"`
	Login  string `json:"login"`
	Sub    string `json:"sub"`
	Banned bool   `json:"banned"`

	mu     sync.Mutex
	limits Limits
	usage  Usage
}

func NewUser(login string, limits Limits) *User {
	return &User{
		UID:    NewUID(),
		Login:  login,
		Sub:    "base",
		limits: limits,
		usage:  Usage{},
	}
}

func (u *User) LimitsExceeded(path string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.limits.Exceeded(u.usage, path)
}

func (u *User) IncUsage(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage[u.limits.Bucket(path)]++
}

func (u *User) UsageTotal() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage.Total()
}

func (u *User) MarshalJSON() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return json.Marshal(map[string]any{
		"uid":         u.UID,
		"login":       u.Login,
		"sub":         u.Sub,
		"banned":      u.Banned,
		"limits":      u.limits,
		"usage":       u.usage,
		"usage_total": u.usage.Total(),
	})
}

// Registry is the in-memory user registry.
type Registry struct {
	mu     sync.Mutex
	users  map[string]*User
	limits Limits
}

// NewRegistry creates a registry whose users get defaultLimits on creation.
func NewRegistry(defaultLimits Limits) *Registry {
	return &Registry{
		users:  map[string]*User{},
		limits: defaultLimits,
	}
}

// Get returns the user for login, creating it on first use.
func (r *Registry) Get(login string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[login]
	if !ok {
		user = NewUser(login, r.limits)
		r.users[login] = user
	}
	return user
}

// Lookup returns the user for login without creating it.
func (r *Registry) Lookup(login string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[login]
}

// List returns all users sorted by login.
func (r *Registry) List() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Login < users[j].Login })
	return users
}

// Clear drops all users.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = map[string]*User{}
}
