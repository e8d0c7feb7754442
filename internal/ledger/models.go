package ledger

import (
	"time"

	"gorm.io/gorm"
)

// IssuedLicense records one signed license handed out by the issuer.
type IssuedLicense struct {
	gorm.Model
	LicenseID string    `json:"licenseId" gorm:"uniqueIndex;not null"`
	ProjectID string    `json:"projectId" gorm:"index;not null"`
	Customer  string    `json:"customer"`
	Mode      string    `json:"mode"`
	IssueDate time.Time `json:"issueDate"`
	ExpireAt  time.Time `json:"expireDate"`
	Machines  int       `json:"machines"`
	FilePath  string    `json:"filePath"`
}

// UsageEvent records one verification attempt, successful or not.
type UsageEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LicenseID  string    `json:"licenseId" gorm:"index"`
	Action     string    `json:"action"` // verify, gate
	Valid      bool      `json:"valid"`
	Code       int       `json:"code"`
	Kind       string    `json:"kind"`
	RemoteAddr string    `json:"remoteAddr"`
	UserAgent  string    `json:"userAgent"`
	CreatedAt  time.Time `json:"createdAt" gorm:"index"`
}
