package http

import (
	"context"

	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
)

// LicenseIssuer signs license requests and stores the resulting files.
type LicenseIssuer interface {
	Issue(ctx context.Context, req *license.IssueRequest) (*license.Record, error)
	WriteFile(dir string, rec *license.Record) (string, error)
}

// LicenseVerifier runs the validation pipeline on a record.
type LicenseVerifier interface {
	Validate(ctx context.Context, rec *license.Record, now int64, current license.Machine) license.Outcome
}

// MachineProber reads the fingerprint of the local host.
type MachineProber interface {
	Current() license.Machine
}

// LedgerStore persists issued licenses and verification events. A nil
// LedgerStore disables the ledger endpoints.
type LedgerStore interface {
	RecordIssued(ctx context.Context, rec *license.Record, path string) error
	RecordUsage(ctx context.Context, ev *ledger.UsageEvent) error
	RecentUsage(ctx context.Context, licenseID string, limit int) ([]ledger.UsageEvent, error)
}
