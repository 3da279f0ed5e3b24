package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash suitable for the server config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is compared against for unknown users so a miss costs the same
// bcrypt work as a hit.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("goremote-unknown-user"), bcrypt.DefaultCost)
	return h
})

// Users maps user names to bcrypt password hashes.
type Users map[string]string

// Check reports whether user exists and password matches its hash.
func (u Users) Check(user, password string) bool {
	hash, ok := u[user]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return CheckPassword(hash, password)
}
