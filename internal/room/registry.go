package room

import "sync"

// ConnectionRegistry is the bidirectional mapping between authenticated user
// identity and live connection identifier. A user has exactly one active
// connection; registering a new connection for an already-registered user
// supersedes the previous mapping, which is how reconnects with a fresh
// socket take over identity.
type ConnectionRegistry struct {
	mu         sync.RWMutex
	connByUser map[string]string
	userByConn map[string]string
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connByUser: make(map[string]string),
		userByConn: make(map[string]string),
	}
}

func (r *ConnectionRegistry) Register(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.connByUser[userID]; ok {
		delete(r.userByConn, old)
	}
	if prevUser, ok := r.userByConn[connectionID]; ok {
		delete(r.connByUser, prevUser)
	}
	r.connByUser[userID] = connectionID
	r.userByConn[connectionID] = userID
}

// Unregister removes the mapping for connectionID and returns the user that
// held it. A connection superseded by a newer registration is already gone;
// ok is false in that case.
func (r *ConnectionRegistry) Unregister(connectionID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.userByConn[connectionID]
	if !ok {
		return "", false
	}
	delete(r.userByConn, connectionID)
	if cur, found := r.connByUser[userID]; found && cur == connectionID {
		delete(r.connByUser, userID)
	}
	return userID, true
}

func (r *ConnectionRegistry) ConnectionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connByUser[userID]
	return conn, ok
}

func (r *ConnectionRegistry) UserFor(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.userByConn[connectionID]
	return user, ok
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userByConn)
}
