package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aesNonceLen = 12

// ErrDecrypt is returned when a sealed box cannot be opened, usually because
// the passphrase is wrong.
var ErrDecrypt = errors.New("decrypt sealed box")

// SealedBox is a passphrase-encrypted secret with everything needed to open it
// again except the passphrase.
type SealedBox struct {
	KDF        KDFParams `cbor:"1,keyasint"`
	Salt       []byte    `cbor:"2,keyasint"`
	Nonce      []byte    `cbor:"3,keyasint"`
	Ciphertext []byte    `cbor:"4,keyasint"`
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from passphrase.
func Seal(plaintext []byte, passphrase string, p KDFParams) (*SealedBox, error) {
	salt := GenerateSalt()
	gcm, err := newGCM(DeriveKey(passphrase, salt, p))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &SealedBox{
		KDF:        p,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts a sealed box.
func (b *SealedBox) Open(passphrase string) ([]byte, error) {
	gcm, err := newGCM(DeriveKey(passphrase, b.Salt, b.KDF))
	if err != nil {
		return nil, err
	}
	if len(b.Nonce) != aesNonceLen {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(b.Nonce))
	}
	plaintext, err := gcm.Open(nil, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
