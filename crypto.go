package tgdh

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const GroupKeySize = 32

// DeriveGroupKey derives a symmetric key from a tree's root secret.  The
// info argument binds the key to its context (for instance, the level it
// belongs to).
func DeriveGroupKey(secret *big.Int, info []byte) ([]byte, error) {
	if secret == nil {
		return nil, fmt.Errorf("%w: no root secret", ErrInvalidState)
	}

	hash := sha256.New
	ikm := secret.Bytes()

	kdf := hkdf.New(hash, ikm, nil, info) // nil salt
	groupKey := make([]byte, GroupKeySize)
	_, err := io.ReadFull(kdf, groupKey)
	if err != nil {
		return nil, err
	}

	return groupKey, nil
}
