package license

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sign signs canonical bytes with key. RSA keys use PKCS#1 v1.5 over
// SHA-256; ECDSA signs the SHA-256 digest (ASN.1); Ed25519 signs the raw
// bytes.
func Sign(canonical []byte, key crypto.Signer) ([]byte, error) {
	if key == nil {
		return nil, newError(KindSigning, "sign", errors.New("nil private key"))
	}

	var (
		sig []byte
		err error
	)
	switch key.Public().(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(canonical)
		sig, err = key.Sign(rand.Reader, digest[:], crypto.SHA256)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(canonical)
		sig, err = key.Sign(rand.Reader, digest[:], crypto.SHA256)
	case ed25519.PublicKey:
		sig, err = key.Sign(rand.Reader, canonical, crypto.Hash(0))
	default:
		return nil, newError(KindSigning, "sign", fmt.Errorf("unsupported key type %T", key.Public()))
	}
	if err != nil {
		return nil, newError(KindSigning, "sign", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of canonical under pub.
// A malformed or foreign signature yields false with a nil error; only a
// structurally invalid public key is an error.
func Verify(canonical, sig []byte, pub crypto.PublicKey) (bool, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k == nil || k.N == nil || k.N.Sign() <= 0 || k.E < 2 {
			return false, newError(KindKey, "verify", errors.New("malformed RSA public key"))
		}
		digest := sha256.Sum256(canonical)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil, nil
	case *ecdsa.PublicKey:
		if k == nil || k.Curve == nil || k.X == nil || k.Y == nil {
			return false, newError(KindKey, "verify", errors.New("malformed ECDSA public key"))
		}
		digest := sha256.Sum256(canonical)
		return ecdsa.VerifyASN1(k, digest[:], sig), nil
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return false, newError(KindKey, "verify", errors.New("malformed Ed25519 public key"))
		}
		return ed25519.Verify(k, canonical, sig), nil
	default:
		return false, newError(KindKey, "verify", fmt.Errorf("unsupported public key type %T", pub))
	}
}

// SignRecord canonicalizes rec and stores the Base64 signature on it.
func SignRecord(rec *Record, key crypto.Signer) error {
	canonical, err := Canonicalize(rec)
	if err != nil {
		return err
	}
	sig, err := Sign(canonical, key)
	if err != nil {
		return err
	}
	rec.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyRecord checks the record's own signature. It never mutates rec.
func VerifyRecord(rec *Record, pub crypto.PublicKey) error {
	if rec.Signature == "" {
		return newError(KindSignatureInvalid, "verify", errors.New("missing signature"))
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return newError(KindSignatureInvalid, "verify", err)
	}
	canonical, err := Canonicalize(rec)
	if err != nil {
		return err
	}
	ok, err := Verify(canonical, sig, pub)
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindSignatureInvalid, "verify", nil)
	}
	return nil
}
