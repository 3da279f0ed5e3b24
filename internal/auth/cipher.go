package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// HandshakeKeySize is the RSA modulus size in bytes. A 2048-bit key yields
// 256-byte ciphertexts, the largest frame the protocol accepts, and carries
// at most 245 bytes of PKCS#1 v1.5 plaintext.
const HandshakeKeySize = 256

var (
	ErrBadPadding    = errors.New("invalid padding")
	ErrBadBlockSize  = errors.New("ciphertext is not a whole number of blocks")
	ErrBadKeySize    = errors.New("RSA key must be 2048 bits")
	ErrBadSessionKey = errors.New("bad session key or IV size")
)

// SessionCipher is Blowfish in CBC mode with PKCS#5 padding. Every payload
// is encrypted independently starting from the same IV.
type SessionCipher struct {
	block cipher.Block
	iv    [SessionIVSize]byte
}

// NewSessionCipher creates the session cipher for key and iv.
func NewSessionCipher(key, iv []byte) (*SessionCipher, error) {
	if len(key) != SessionKeySize || len(iv) != SessionIVSize {
		return nil, fmt.Errorf("%w: key %d bytes, iv %d bytes", ErrBadSessionKey, len(key), len(iv))
	}
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blowfish: %w", err)
	}
	c := &SessionCipher{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// Encrypt pads and encrypts plaintext.
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	pad := bs - len(plaintext)%bs
	out := make([]byte, len(plaintext)+pad)
	copy(out, plaintext)
	for i := len(plaintext); i < len(out); i++ {
		out[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, out)
	return out, nil
}

// Decrypt decrypts ciphertext and strips its padding.
func (c *SessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadBlockSize, len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(out, ciphertext)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs {
		return nil, ErrBadPadding
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return out[:len(out)-pad], nil
}

// HandshakeEncrypter encrypts with the server's public key. It is used once,
// by the client, for the authentication request.
type HandshakeEncrypter struct {
	pub *rsa.PublicKey
}

func NewHandshakeEncrypter(pub *rsa.PublicKey) (*HandshakeEncrypter, error) {
	if pub == nil || pub.Size() != HandshakeKeySize {
		return nil, ErrBadKeySize
	}
	return &HandshakeEncrypter{pub: pub}, nil
}

func (e *HandshakeEncrypter) Encrypt(plaintext []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, e.pub, plaintext)
}

// HandshakeDecrypter decrypts with the server's private key.
type HandshakeDecrypter struct {
	priv *rsa.PrivateKey
}

func NewHandshakeDecrypter(priv *rsa.PrivateKey) (*HandshakeDecrypter, error) {
	if priv == nil || priv.Size() != HandshakeKeySize {
		return nil, ErrBadKeySize
	}
	return &HandshakeDecrypter{priv: priv}, nil
}

func (d *HandshakeDecrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(nil, d.priv, ciphertext)
}
