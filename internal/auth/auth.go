// Package auth holds the key material of a remote-input session: the RSA
// handshake cipher, the Blowfish session cipher, key files, and the bcrypt
// credential table the server checks logins against.
package auth

import (
	"crypto/rand"

	"golang.org/x/crypto/blowfish"
)

// Session cipher parameters.
const (
	SessionKeySize = 8
	SessionIVSize  = blowfish.BlockSize
)

// GenerateSessionKey returns a fresh random session key and IV.
func GenerateSessionKey() (key [SessionKeySize]byte, iv [SessionIVSize]byte, err error) {
	if _, err = rand.Read(key[:]); err != nil {
		return key, iv, err
	}
	_, err = rand.Read(iv[:])
	return key, iv, err
}
