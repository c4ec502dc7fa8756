package cryptoengine

// Direction tags separate per-challenge sub-keys by the data flow they
// encrypt, so a ciphertext produced for one direction can never be
// replayed as if it were another (e.g. a server challenge payload
// replayed back as a client solution).
type Direction string

const (
	DirectionEncrypt  Direction = "encrypt"  // server -> client challenge payload
	DirectionDecrypt  Direction = "decrypt"  // client -> server solution
	DirectionMetadata Direction = "metadata" // client -> server telemetry/fingerprint
	DirectionConfig   Direction = "config"   // server -> client security configuration
)

const masterKeyInfo = "captcha-session-v1"
const childKeyInfoPrefix = "captcha-challenge-v1:"

// DeriveMasterKey implements the SessionKey.masterKey derivation:
// HKDF-SHA256(IKM=sharedSecret, salt=serverPublicKey||serverNonce, info="captcha-session-v1", L=32).
func DeriveMasterKey(sharedSecret, serverPublicKey []byte, serverNonce string) ([]byte, error) {
	salt := append(append([]byte{}, serverPublicKey...), []byte(serverNonce)...)
	return HKDFSHA256(sharedSecret, salt, []byte(masterKeyInfo), 32)
}

// DeriveChildKey implements the per-challenge, per-direction sub-key:
// info = "captcha-challenge-v1:" || direction || ":" || sha256hex(challengeId)
// childKey = HKDF(IKM=masterKey, salt=nil, info=info, L=32)
func DeriveChildKey(masterKey []byte, challengeID string, direction Direction) ([]byte, error) {
	challengeIDHash := Sha256Hex([]byte(challengeID))
	info := childKeyInfoPrefix + string(direction) + ":" + challengeIDHash
	return HKDFSHA256(masterKey, nil, []byte(info), 32)
}
