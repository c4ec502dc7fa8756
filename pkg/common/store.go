package common

import "context"

type ConfigItem interface {
	Key() ConfigKey
	Value() string
}

type ConfigStore interface {
	Get(key ConfigKey) ConfigItem
	Update(ctx context.Context)
}

// IdentifierHasher obfuscates internal sequential integer identifiers (e.g.
// an ApiKey's storage id) before they travel inside a signed envelope.
type IdentifierHasher interface {
	Encrypt(id int) string
	Decrypt(hash string) (int, error)
}
