// Package keys loads the key material used to sign and verify licenses.
//
// Verifiers load an X.509 certificate (PEM or DER) and hand its public key to
// the license core. Issuers open a JSON keystore whose entries are PKCS#8
// private keys sealed with AES-256-GCM under scrypt derived keys. Two
// passphrases are involved:
//
//   - the store passphrase authenticates the whole file (HMAC-SHA256)
//   - the key passphrase unseals a single entry, selected by alias
//
// Entry aliases are bound into the GCM additional data, so a sealed entry
// cannot be moved under another alias.
package keys
