package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KDFParams defines the scrypt cost used to derive entry and file keys.
// They are stored in the keystore so a file opens with the cost it was
// written with.
type KDFParams struct {
	N      int `json:"n"`      // CPU/memory cost, power of two
	R      int `json:"r"`      // block size
	P      int `json:"p"`      // parallelization
	KeyLen int `json:"keyLen"` // 32 for AES-256
}

const (
	saltSize  = 32
	nonceSize = 12
)

// DefaultKDFParams returns the OWASP recommended scrypt cost.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		N:      32768,
		R:      8,
		P:      1,
		KeyLen: 32,
	}
}

// Validate checks that the parameters can drive AES-256-GCM.
func (p KDFParams) Validate() error {
	if p.N < 2 || p.N&(p.N-1) != 0 {
		return errors.New("scrypt N must be a power of two greater than 1")
	}
	if p.R < 1 {
		return errors.New("scrypt r must be at least 1")
	}
	if p.P < 1 {
		return errors.New("scrypt p must be at least 1")
	}
	if p.KeyLen != 32 {
		return errors.New("scrypt key length must be 32 for AES-256")
	}
	return nil
}

func (p KDFParams) derive(passphrase, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// sealed is one AES-256-GCM ciphertext together with its KDF salt and nonce.
// The GCM tag stays appended to the ciphertext.
type sealed struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func seal(params KDFParams, passphrase, plaintext, aad []byte) (*sealed, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := params.derive(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &sealed{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}, nil
}

func (s *sealed) open(params KDFParams, passphrase, aad []byte) ([]byte, error) {
	if len(s.Salt) != saltSize || len(s.Nonce) != nonceSize {
		return nil, errors.New("malformed sealed entry")
	}

	key, err := params.derive(passphrase, s.Salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// wipe overwrites key material once it is no longer needed.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
