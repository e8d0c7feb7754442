package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licenseplatform/internal/license"
)

func selfSigned(t *testing.T, priv crypto.Signer) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "license-signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	require.NoError(t, err)
	return der
}

func TestLoadCertificate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := selfSigned(t, key)
	dir := t.TempDir()

	tests := []struct {
		name string
		data []byte
	}{
		{"pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})},
		{"der", der},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".crt")
			require.NoError(t, os.WriteFile(path, tt.data, 0644))

			pub, err := LoadPublicKey(path)
			require.NoError(t, err)
			rsaPub, ok := pub.(*rsa.PublicKey)
			require.True(t, ok)
			assert.True(t, key.PublicKey.Equal(rsaPub))
		})
	}
}

func TestLoadCertificateErrors(t *testing.T) {
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not a certificate")},
		{"wrong pem type", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})},
		{"truncated der", selfSigned(t, key)[:40]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.crt")
			require.NoError(t, os.WriteFile(path, tt.data, 0644))
			_, err := LoadCertificate(path)
			assert.ErrorIs(t, err, license.ErrKey)
		})
	}

	_, err = LoadCertificate(filepath.Join(dir, "missing.crt"))
	assert.Equal(t, license.KindKey, license.KindOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPublicKeyFromCertificate(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(selfSigned(t, edKey))
	require.NoError(t, err)

	pub, err := PublicKeyFromCertificate(cert)
	require.NoError(t, err)
	assert.IsType(t, ed25519.PublicKey{}, pub)

	_, err = PublicKeyFromCertificate(nil)
	assert.ErrorIs(t, err, license.ErrKey)
}
