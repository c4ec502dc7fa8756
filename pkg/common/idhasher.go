package common

import (
	"errors"
	"log/slog"

	"github.com/speps/go-hashids/v2"
)

// idHasherMinLength pads every encoded identifier to at least this many
// characters, so small sequential ids do not visibly leak their magnitude.
const idHasherMinLength = 10

var (
	errEmptyIdentifierSalt     = errors.New("identifier hasher salt must not be empty")
	errUnexpectedIdentifierLen = errors.New("unexpected identifier length")
)

// idHasher obfuscates internal integer ids with a salted hashids encoding.
// The hashids instance is built once at construction; encoding and
// decoding afterwards cannot fail for the inputs this engine produces.
type idHasher struct {
	h *hashids.HashID
}

var _ IdentifierHasher = (*idHasher)(nil)

// NewIDHasher builds an IdentifierHasher from the configured salt. An
// empty salt is refused: it would make every deployment's encodings
// identical and trivially reversible.
func NewIDHasher(salt ConfigItem) (IdentifierHasher, error) {
	if salt.Value() == "" {
		return nil, errEmptyIdentifierSalt
	}

	data := hashids.NewData()
	data.Salt = salt.Value()
	data.MinLength = idHasherMinLength

	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, err
	}

	return &idHasher{h: h}, nil
}

func (ih *idHasher) Encrypt(id int) string {
	encoded, err := ih.h.Encode([]int{id})
	if err != nil {
		// Encode only fails for negative inputs, which no id column here
		// produces; surface it loudly in logs rather than panicking.
		slog.Error("Failed to encode identifier", "id", id, ErrAttr(err))
		return ""
	}
	return encoded
}

func (ih *idHasher) Decrypt(hash string) (int, error) {
	decoded, err := ih.h.DecodeWithError(hash)
	if err != nil {
		return -1, err
	}

	if len(decoded) != 1 {
		return -1, errUnexpectedIdentifierLen
	}

	return decoded[0], nil
}
