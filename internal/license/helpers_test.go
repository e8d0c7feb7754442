package license

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	otherKey    *rsa.PrivateKey
)

// testKeys returns two RSA keys shared by the package tests.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	var err error
	testKeyOnce.Do(func() {
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return
		}
		otherKey, err = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, err)
	require.NotNil(t, testKey)
	require.NotNil(t, otherKey)
	return testKey, otherKey
}

var hostA = Machine{MacAddress: "AA:BB", CPUSerial: "C1", MainBoardSerial: "B1"}

func int64Ptr(v int64) *int64 { return &v }

func sampleRecord() *Record {
	return &Record{
		LicenseID:     "PROJ-ACME-202401-001",
		ProjectID:     "PROJ",
		Customer:      "Acme",
		IssueDate:     1000,
		ExpireDate:    2000,
		Features:      map[string]bool{"export": true, "report": false},
		BoundMachines: []Machine{hostA},
		Mode:          ModeStandalone,
		FirstUsedAt:   int64Ptr(1100),
	}
}

func signedSample(t *testing.T) *Record {
	t.Helper()
	key, _ := testKeys(t)
	rec := sampleRecord()
	require.NoError(t, SignRecord(rec, key))
	return rec
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testSecret = []byte("0123456789abcdef-test-secret")
