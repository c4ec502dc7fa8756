// Package session implements the SessionCache: the in-process record of
// active ECDH sessions established by the handshake endpoint, plus the
// rotating server ephemeral key pair those handshakes derive from.
//
// The shape (map + mutex + doubly-linked list for LRU-ish GC ordering,
// background sweep driven by common.PeriodicJob) mirrors an in-memory
// session store holding cryptographic session keys instead of cookie
// login sessions.
package session

import (
	"time"

	"github.com/veriproof/engine/pkg/cryptoengine"
)

// ServerKeyPair is the process-wide ephemeral ECDH key pair used for new
// handshakes. It rotates on a fixed interval; prior pairs are not retained
// once rotated out, since existing sessions already hold the derived
// master key and never need the raw ECDH private key again.
type ServerKeyPair struct {
	KeyPair   *cryptoengine.EphemeralKeyPair
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (kp *ServerKeyPair) Expired(now time.Time) bool {
	return !kp.ExpiresAt.After(now)
}

// SessionKey is the result of one successful handshake.
type SessionKey struct {
	MasterKey           []byte // 32 bytes, AES key material; never leaves the process
	ServerPublicKey     []byte
	ClientPublicKey     []byte
	ServerNonce         string
	APIPublicIdent      string
	ClientIP            string
	DeviceFingerprintID string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

func (sk *SessionKey) Expired(now time.Time) bool {
	return !sk.ExpiresAt.After(now)
}

// sessionCacheKey is the lookup key. IP is deliberately excluded: load
// balancers legitimately change a client's observed IP mid-session, so an
// IP mismatch at lookup time is tolerated-but-logged, not a binding
// failure.
type sessionCacheKey struct {
	apiPublicIdent      string
	deviceFingerprintID string
}
