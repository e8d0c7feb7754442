// Package license implements the license integrity core: signing and
// verification of license records, hardware binding, first-use anchoring and
// clock rollback detection.
//
// # Record Format
//
// A license is a JSON document carrying a Base64 signature over its
// canonical form. The canonical form is compact JSON with every object's
// keys sorted, integers in base 10, the bound machine list in file order
// and the signature field removed. See Canonicalize.
//
// # Validation Flow
//
// Validator.Validate runs these stages and stops at the first failure:
//
//	1. Signature: the record verifies under the issuer's public key
//	2. Temporal: issueDate <= now <= expireDate
//	3. Hardware: the current machine matches the bound machines
//	4. First use: firstUsedAt is set, not before issueDate, and not after now
//	5. Rollback: now is not earlier than the last checkpoint, which is then advanced
//
// The result is an immutable Outcome. Nothing is stored globally; callers
// that gate access keep the Outcome themselves.
//
// # Binding Modes
//
// Standalone licenses match only the first bound machine. Cluster licenses
// match any of them. Fields the probe cannot read are empty strings and only
// match empty strings.
//
// # Rollback Detection
//
// RollbackGuard stores "<millis>:<hmac>" in a local file and refuses any
// time earlier than the stored value. Detection is relative to this
// machine's last checkpoint only. Deleting the file resets the baseline, and
// anyone holding the HMAC secret can forge a checkpoint, so the secret must
// not ship in the clear with the license.
//
// # Issuing
//
// Issuer builds records from validated IssueRequests, assigns IDs through an
// IDGenerator and signs them with a crypto.Signer.
//
//	issuer := license.NewIssuer(seq, signer, logger)
//	rec, err := issuer.Issue(ctx, req)
//
// # Errors
//
// All failures are *Error values carrying a Kind with a stable numeric code.
// Use errors.Is with the Err* sentinels, or KindOf. Only Kind.Message is
// safe to show to clients.
package license
