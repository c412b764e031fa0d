package vault

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// Cipher encrypts and decrypts token values for storage at rest.
type Cipher struct {
	keys []*fernet.Key
}

// NewCipher parses one or more base64 fernet keys (comma separated). The
// first key signs new ciphertexts; all keys are tried on decrypt so keys can
// rotate without re-encrypting every row.
func NewCipher(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, errors.New("fernet key not configured")
	}
	keys, err := fernet.DecodeKeys(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet keys: %w", err)
	}
	return &Cipher{keys: keys}, nil
}

// Encrypt seals a plaintext token.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a stored ciphertext. TTL is zero: tokens expire by the
// platform's clock, not the ciphertext's.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, c.keys)
	if msg == nil {
		return "", errors.New("token ciphertext invalid")
	}
	return string(msg), nil
}
