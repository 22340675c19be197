// Package crypto holds the primitives the keystore builds on: ed25519
// signatures, argon2id key derivation and AES-GCM sealing of secrets at rest.
package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

const (
	keyLen  = 32 // 256 bits
	saltLen = 32
)

// KDFParams tunes argon2id. The zero value is not usable; start from DefaultKDF.
type KDFParams struct {
	Time    uint32 `yaml:"time" cbor:"1,keyasint"`
	Memory  uint32 `yaml:"memory_kib" cbor:"2,keyasint"`
	Threads uint8  `yaml:"threads" cbor:"3,keyasint"`
}

// DefaultKDF is used for keystore files on disk.
var DefaultKDF = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// InsecureFastKDF keeps tests quick. Never use it for real key material.
var InsecureFastKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

// DeriveKey stretches a passphrase into a 32-byte key.
func DeriveKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, keyLen)
}

// GenerateSalt returns saltLen random bytes.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}
