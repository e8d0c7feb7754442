package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// KeystoreVersion is the only on-disk format this package reads and writes.
const KeystoreVersion = 1

var (
	ErrAliasNotFound   = errors.New("keystore: alias not found")
	ErrAliasExists     = errors.New("keystore: alias already exists")
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted entry")
	ErrIntegrity       = errors.New("keystore: integrity check failed")
	ErrUnsupportedKey  = errors.New("keystore: unsupported private key type")
)

// Entry is one sealed PKCS#8 private key.
type Entry struct {
	sealed
	Algorithm string `json:"algorithm"`
	CreatedAt int64  `json:"createdAt"`
}

// Keystore is a JSON file of passphrase-protected signing keys. Each entry is
// sealed with its own key passphrase; the store passphrase authenticates the
// whole file.
type Keystore struct {
	Version int               `json:"version"`
	KDF     KDFParams         `json:"kdf"`
	Entries map[string]*Entry `json:"entries"`
	MACSalt []byte            `json:"macSalt"`
	MAC     []byte            `json:"mac"`
}

// CreateKeystore returns an empty keystore. A nil params uses
// DefaultKDFParams.
func CreateKeystore(params *KDFParams) (*Keystore, error) {
	p := DefaultKDFParams()
	if params != nil {
		p = *params
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Keystore{
		Version: KeystoreVersion,
		KDF:     p,
		Entries: make(map[string]*Entry),
	}, nil
}

// OpenKeystore reads path and verifies the file MAC with storePass. Entries
// stay sealed until PrivateKey is called.
func OpenKeystore(path string, storePass []byte) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if ks.Version != KeystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", ks.Version)
	}
	if err := ks.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("keystore kdf: %w", err)
	}
	if ks.Entries == nil {
		ks.Entries = make(map[string]*Entry)
	}

	want, err := ks.computeMAC(storePass, ks.MACSalt)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(want, ks.MAC) {
		return nil, ErrIntegrity
	}
	return &ks, nil
}

// Aliases returns the entry aliases in sorted order.
func (ks *Keystore) Aliases() []string {
	aliases := make([]string, 0, len(ks.Entries))
	for alias := range ks.Entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// AddEntry seals a PKCS#8 DER private key under alias.
func (ks *Keystore) AddEntry(alias string, pkcs8DER, keyPass []byte) error {
	if alias == "" {
		return errors.New("keystore: alias is required")
	}
	if _, ok := ks.Entries[alias]; ok {
		return fmt.Errorf("%w: %s", ErrAliasExists, alias)
	}
	if len(keyPass) == 0 {
		return errors.New("keystore: key passphrase is required")
	}

	key, err := x509.ParsePKCS8PrivateKey(pkcs8DER)
	if err != nil {
		return fmt.Errorf("keystore: parse pkcs8: %w", err)
	}
	algo, err := algorithmOf(key)
	if err != nil {
		return err
	}

	s, err := seal(ks.KDF, keyPass, pkcs8DER, []byte(alias))
	if err != nil {
		return fmt.Errorf("keystore: seal %s: %w", alias, err)
	}
	ks.Entries[alias] = &Entry{
		sealed:    *s,
		Algorithm: algo,
		CreatedAt: time.Now().UnixMilli(),
	}
	return nil
}

// ImportPEM adds a PEM encoded private key. PKCS#8, PKCS#1 RSA and SEC 1 EC
// blocks are accepted.
func (ks *Keystore) ImportPEM(alias string, pemData, keyPass []byte) error {
	der, err := pemToPKCS8(pemData)
	if err != nil {
		return err
	}
	defer wipe(der)
	return ks.AddEntry(alias, der, keyPass)
}

// PrivateKey unseals the entry for alias.
func (ks *Keystore) PrivateKey(alias string, keyPass []byte) (crypto.Signer, error) {
	entry, ok := ks.Entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}

	der, err := entry.open(ks.KDF, keyPass, []byte(alias))
	if err != nil {
		return nil, err
	}
	defer wipe(der)

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse pkcs8: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return signer, nil
}

// Save authenticates the keystore with storePass and writes it to path with
// mode 0600.
func (ks *Keystore) Save(path string, storePass []byte) error {
	if len(storePass) == 0 {
		return errors.New("keystore: store passphrase is required")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	mac, err := ks.computeMAC(storePass, salt)
	if err != nil {
		return err
	}
	ks.MACSalt = salt
	ks.MAC = mac

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("create temp keystore: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keystore: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// computeMAC authenticates everything except the MAC fields themselves.
// encoding/json sorts map keys, so the input is stable.
func (ks *Keystore) computeMAC(storePass, salt []byte) ([]byte, error) {
	if len(salt) != saltSize {
		return nil, ErrIntegrity
	}
	body, err := json.Marshal(struct {
		Version int               `json:"version"`
		KDF     KDFParams         `json:"kdf"`
		Entries map[string]*Entry `json:"entries"`
	}{ks.Version, ks.KDF, ks.Entries})
	if err != nil {
		return nil, fmt.Errorf("encode keystore: %w", err)
	}

	key, err := ks.KDF.derive(storePass, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	h := hmac.New(sha256.New, key)
	h.Write([]byte("LICENSE-KEYSTORE-V1"))
	h.Write(body)
	return h.Sum(nil), nil
}

func algorithmOf(key any) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return fmt.Sprintf("RSA-%d", k.N.BitLen()), nil
	case *ecdsa.PrivateKey:
		return "ECDSA-" + k.Curve.Params().Name, nil
	case ed25519.PrivateKey:
		return "Ed25519", nil
	default:
		return "", ErrUnsupportedKey
	}
}

func pemToPKCS8(pemData []byte) ([]byte, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("keystore: no PEM block found")
	}

	var key any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		return block.Bytes, nil
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("keystore: unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", block.Type, err)
	}
	return x509.MarshalPKCS8PrivateKey(key)
}
