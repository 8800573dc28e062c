package stats

import (
	"sort"
	"sync"
	"time"
)

// User aggregates the shares of one authorized worker name across every
// connection the name was seen on.
type User struct {
	Name      string
	FirstSeen time.Time
	Shares    *ShareCounter

	connections map[string]struct{}
}

// UserRegistry maps worker names to users and users to the connections they
// are currently authorized on. Connections must call Unlink when they go
// away; nothing here relies on liveness checks.
type UserRegistry struct {
	window         time.Duration
	hashesPerShare float64

	mu     sync.RWMutex
	users  map[string]*User
	byConn map[string]map[string]struct{}
}

func NewUserRegistry(window time.Duration, hashesPerShare float64) *UserRegistry {
	return &UserRegistry{
		window:         window,
		hashesPerShare: hashesPerShare,
		users:          make(map[string]*User),
		byConn:         make(map[string]map[string]struct{}),
	}
}

// Link records that name is authorized on connection connId, creating the
// user on first sight.
func (r *UserRegistry) Link(name, connId string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[name]
	if !ok {
		user = &User{
			Name:        name,
			FirstSeen:   time.Now(),
			Shares:      NewShareCounter(r.window, r.hashesPerShare),
			connections: make(map[string]struct{}),
		}
		r.users[name] = user
	}
	user.connections[connId] = struct{}{}

	names, ok := r.byConn[connId]
	if !ok {
		names = make(map[string]struct{})
		r.byConn[connId] = names
	}
	names[name] = struct{}{}
	return user
}

// Unlink removes connection connId from every user it was linked to.
func (r *UserRegistry) Unlink(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.byConn[connId] {
		if user, ok := r.users[name]; ok {
			delete(user.connections, connId)
		}
	}
	delete(r.byConn, connId)
}

func (r *UserRegistry) Get(name string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[name]
	return user, ok
}

// ConnectionIds lists the connections name is currently authorized on.
func (r *UserRegistry) ConnectionIds(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(user.connections))
	for id := range user.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Users returns all known users sorted by name.
func (r *UserRegistry) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}

// Purge forgets users that have no connection left and no share inside the
// window.
func (r *UserRegistry) Purge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for name, u := range r.users {
		if len(u.connections) > 0 {
			continue
		}
		if now.Sub(u.Shares.LastShare()) < r.window {
			continue
		}
		delete(r.users, name)
		purged++
	}
	return purged
}
