package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/cryptoengine"
)

const (
	// DefaultSessionTTL is the default SessionKey lifetime.
	DefaultSessionTTL = 5 * time.Minute
	// DefaultKeyRotationInterval is how often the server ephemeral ECDH
	// key pair rotates.
	DefaultKeyRotationInterval = time.Hour
	// SweepInterval is how often the background GC removes expired
	// sessions.
	SweepInterval = 60 * time.Second
)

type entry struct {
	key     sessionCacheKey
	session *SessionKey
}

// Cache holds ephemeral server key pairs and negotiated SessionKeys. All
// state is per-process; nothing here is persisted or federated across
// nodes.
type Cache struct {
	mu               sync.Mutex
	sessions         map[sessionCacheKey]*list.Element
	order            *list.List // front = most recently touched
	keyPair          *ServerKeyPair
	sessionTTL       time.Duration
	rotationInterval time.Duration
}

func NewCache(sessionTTL, rotationInterval time.Duration) *Cache {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if rotationInterval <= 0 {
		rotationInterval = DefaultKeyRotationInterval
	}

	return &Cache{
		sessions:         make(map[sessionCacheKey]*list.Element),
		order:            list.New(),
		sessionTTL:       sessionTTL,
		rotationInterval: rotationInterval,
	}
}

// CurrentServerKeyPair returns the active ephemeral pair, generating a
// fresh one if none exists yet or the current one has expired.
func (c *Cache) CurrentServerKeyPair(ctx context.Context) (*ServerKeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.keyPair != nil && !c.keyPair.Expired(now) {
		return c.keyPair, nil
	}

	kp, err := cryptoengine.GenerateEcdhKeyPair()
	if err != nil {
		return nil, err
	}

	c.keyPair = &ServerKeyPair{
		KeyPair:   kp,
		CreatedAt: now,
		ExpiresAt: now.Add(c.rotationInterval),
	}

	slog.DebugContext(ctx, "Rotated server ephemeral key pair", "expiresAt", c.keyPair.ExpiresAt)

	return c.keyPair, nil
}

// StoreSession records sess, keyed by (apiPublicIdent, deviceFingerprintId).
// A prior session under the same key is replaced.
func (c *Cache) StoreSession(ctx context.Context, sess *SessionKey) {
	key := sessionCacheKey{apiPublicIdent: sess.APIPublicIdent, deviceFingerprintID: sess.DeviceFingerprintID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[key]; ok {
		c.order.Remove(existing)
	}

	el := c.order.PushFront(&entry{key: key, session: sess})
	c.sessions[key] = el

	slog.Log(ctx, common.LevelTrace, "Stored session", "apiPublicIdent", sess.APIPublicIdent, "expiresAt", sess.ExpiresAt)
}

// GetSession returns the session for (apiPublicIdent, deviceFingerprintId)
// if present and not expired. clientIP is deliberately excluded from the
// lookup key itself, to tolerate load-balancer IP churn; a mismatch is only
// logged. A miss is an ordinary outcome, not an error: callers on
// encrypted-only paths must themselves fail closed on a miss.
func (c *Cache) GetSession(ctx context.Context, apiPublicIdent, clientIP, deviceFingerprintID string) (*SessionKey, bool) {
	key := sessionCacheKey{apiPublicIdent: apiPublicIdent, deviceFingerprintID: deviceFingerprintID}

	c.mu.Lock()
	el, ok := c.sessions[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}

	e := el.Value.(*entry)
	if e.session.Expired(time.Now()) {
		c.order.Remove(el)
		delete(c.sessions, key)
		c.mu.Unlock()
		return nil, false
	}

	c.order.MoveToFront(el)
	sess := e.session
	c.mu.Unlock()

	if clientIP != "" && sess.ClientIP != "" && sess.ClientIP != clientIP {
		slog.WarnContext(ctx, "Session client IP changed since handshake", "apiPublicIdent", apiPublicIdent)
	}

	return sess, true
}

// InvalidateSession evicts the session for (apiPublicIdent, deviceFingerprintId).
func (c *Cache) InvalidateSession(ctx context.Context, apiPublicIdent, deviceFingerprintID string) {
	key := sessionCacheKey{apiPublicIdent: apiPublicIdent, deviceFingerprintID: deviceFingerprintID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.sessions[key]; ok {
		c.order.Remove(el)
		delete(c.sessions, key)
	}
}

// Sweep removes all expired sessions and reports how many were removed.
// It walks the whole LRU-ish list from the back, checking every entry,
// since list order is not expiry order; its cost is linear in the number
// of tracked sessions.
func (c *Cache) Sweep(ctx context.Context) int {
	now := time.Now()
	deleted := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		if e.session.Expired(now) {
			c.order.Remove(el)
			delete(c.sessions, e.key)
			deleted++
		}
		el = prev
	}

	if deleted > 0 {
		slog.DebugContext(ctx, "Swept expired sessions", "deleted", deleted)
	}

	return deleted
}

// Len reports the number of currently tracked sessions, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
