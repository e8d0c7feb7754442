package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Mode selects how bound machines are matched against the current host.
type Mode string

const (
	// ModeStandalone binds the license to the first bound machine only.
	ModeStandalone Mode = "standalone"
	// ModeCluster accepts any of the bound machines.
	ModeCluster Mode = "cluster"
)

// ParseMode normalizes operator input. Matching is case-insensitive; a
// stored record must already carry the lowercase form, see CheckMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStandalone:
		return ModeStandalone, nil
	case ModeCluster:
		return ModeCluster, nil
	}
	return "", fmt.Errorf("unknown license mode %q", s)
}

// CheckMode accepts only the exact form that is signed.
func CheckMode(m Mode) error {
	switch m {
	case ModeStandalone, ModeCluster:
		return nil
	}
	return fmt.Errorf("license mode %q is not %q or %q", string(m), ModeStandalone, ModeCluster)
}

// Machine is the hardware fingerprint of a single host. Any field may be
// empty when the probe could not read it; empty only matches empty.
type Machine struct {
	MacAddress      string `json:"macAddress"`
	CPUSerial       string `json:"cpuSerial"`
	MainBoardSerial string `json:"mainBoardSerial"`
}

// Record is the signed license payload as persisted in a .lic file.
// Timestamps are epoch milliseconds.
type Record struct {
	LicenseID     string          `json:"licenseId"`
	ProjectID     string          `json:"projectId"`
	Customer      string          `json:"customer"`
	IssueDate     int64           `json:"issueDate"`
	ExpireDate    int64           `json:"expireDate"`
	Features      map[string]bool `json:"features,omitempty"`
	BoundMachines []Machine       `json:"boundMachines"`
	Mode          Mode            `json:"mode"`
	FirstUsedAt   *int64          `json:"firstUsedAt,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching a
// record that is shared with other goroutines.
func (r *Record) Clone() *Record {
	c := *r
	if r.Features != nil {
		c.Features = make(map[string]bool, len(r.Features))
		for k, v := range r.Features {
			c.Features[k] = v
		}
	}
	c.BoundMachines = append([]Machine(nil), r.BoundMachines...)
	if r.FirstUsedAt != nil {
		v := *r.FirstUsedAt
		c.FirstUsedAt = &v
	}
	return &c
}

// FeatureEnabled reports whether key is present and switched on.
func (r *Record) FeatureEnabled(key string) bool {
	return r.Features[key]
}

// ParseRecord decodes a license file body. Unknown fields are rejected so a
// record cannot smuggle data that the signature does not cover.
func ParseRecord(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, newError(KindEncoding, "parse", err)
	}
	if err := CheckMode(rec.Mode); err != nil {
		return nil, newError(KindEncoding, "parse", err)
	}
	return &rec, nil
}

// LoadRecord reads and parses a license file.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindIO, "load", err)
	}
	return ParseRecord(data)
}

// MarshalFile renders the record in its persisted form.
func MarshalFile(rec *Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, newError(KindEncoding, "marshal", err)
	}
	return append(data, '\n'), nil
}
