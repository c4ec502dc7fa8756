package cryptoengine

import "crypto/elliptic"

// ellipticP256Params exposes the curve parameters (P, IsOnCurve) that
// crypto/ecdh deliberately keeps private. crypto/elliptic is otherwise
// superseded by crypto/ecdh for key agreement, but it remains the stdlib's
// only way to evaluate the raw curve equation, which ValidateClientPublicKey
// needs to do directly rather than relying on ecdh's opaque parsing.
func ellipticP256Params() elliptic.Curve {
	return elliptic.P256()
}
