package license

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Kind classifies a license failure. Each kind has a stable numeric code
// and a message that is safe to show outside the process.
type Kind int

const (
	KindNone Kind = iota
	KindEncoding
	KindSigning
	KindKey
	KindSignatureInvalid
	KindNotYetValid
	KindExpired
	KindHardwareMismatch
	KindMissingFirstUse
	KindFirstUseBeforeIssue
	KindClockBeforeFirstUse
	KindRecordCorrupt
	KindRecordTampered
	KindClockRollback
	KindIO
)

type kindInfo struct {
	name    string
	code    int
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	KindEncoding:            {"ENCODING_ERROR", 4000, http.StatusUnprocessableEntity, "License content could not be encoded"},
	KindSignatureInvalid:    {"SIGNATURE_INVALID", 4002, http.StatusForbidden, "License signature is invalid or the file was modified"},
	KindNotYetValid:         {"NOT_YET_VALID", 4003, http.StatusForbidden, "License is not yet valid"},
	KindExpired:             {"EXPIRED", 4004, http.StatusForbidden, "License has expired"},
	KindHardwareMismatch:    {"HARDWARE_MISMATCH", 4005, http.StatusForbidden, "This machine is not bound to the license"},
	KindRecordCorrupt:       {"RECORD_CORRUPT", 4006, http.StatusForbidden, "Time checkpoint is malformed"},
	KindMissingFirstUse:     {"MISSING_FIRST_USE", 4007, http.StatusForbidden, "License has no first-use time"},
	KindClockBeforeFirstUse: {"CLOCK_BEFORE_FIRST_USE", 4008, http.StatusForbidden, "System time is earlier than the license first-use time"},
	KindRecordTampered:      {"RECORD_TAMPERED", 4009, http.StatusForbidden, "Time checkpoint was tampered with"},
	KindClockRollback:       {"CLOCK_ROLLBACK", 4010, http.StatusForbidden, "System clock was moved backwards"},
	KindFirstUseBeforeIssue: {"FIRST_USE_BEFORE_ISSUE", 4011, http.StatusForbidden, "License first-use time precedes its issue time"},
	KindIO:                  {"IO_FAILURE", 5003, http.StatusInternalServerError, "License state could not be read or written"},
	KindSigning:             {"SIGNING_ERROR", 5004, http.StatusInternalServerError, "License could not be signed"},
	KindKey:                 {"KEY_ERROR", 5005, http.StatusInternalServerError, "License key material is invalid"},
}

// String returns the stable symbolic name of the kind.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "NONE"
}

// Code returns the stable numeric identifier of the kind, or 0.
func (k Kind) Code() int { return kinds[k].code }

// Message returns the user-visible description of the kind.
func (k Kind) Message() string { return kinds[k].message }

// HTTPStatus returns the status used when the kind crosses an HTTP boundary.
func (k Kind) HTTPStatus() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusOK
}

// Error is the internal error value of the license core. Op and Err are for
// logs only; they may contain paths and must not be sent to clients.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("license %s: %s", e.Op, e.Kind.Message())
	}
	return fmt.Sprintf("license %s: %s: %v", e.Op, e.Kind.Message(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrExpired) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Op == ""
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrEncoding            = &Error{Kind: KindEncoding}
	ErrSigning             = &Error{Kind: KindSigning}
	ErrKey                 = &Error{Kind: KindKey}
	ErrSignatureInvalid    = &Error{Kind: KindSignatureInvalid}
	ErrNotYetValid         = &Error{Kind: KindNotYetValid}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrHardwareMismatch    = &Error{Kind: KindHardwareMismatch}
	ErrMissingFirstUse     = &Error{Kind: KindMissingFirstUse}
	ErrFirstUseBeforeIssue = &Error{Kind: KindFirstUseBeforeIssue}
	ErrClockBeforeFirstUse = &Error{Kind: KindClockBeforeFirstUse}
	ErrRecordCorrupt       = &Error{Kind: KindRecordCorrupt}
	ErrRecordTampered      = &Error{Kind: KindRecordTampered}
	ErrClockRollback       = &Error{Kind: KindClockRollback}
	ErrIO                  = &Error{Kind: KindIO}
)

// KindOf extracts the kind from err, or KindIO for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// ErrResponse implements the render.Renderer interface for API errors
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	AppCode        int    `json:"code"`
	Kind           string `json:"kind"`
	ErrorText      string `json:"error"`
}

// Render implements the render.Renderer interface
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// NewErrResponse maps a kind to its public error body. The underlying cause
// is deliberately dropped.
func NewErrResponse(kind Kind) *ErrResponse {
	status := kind.HTTPStatus()
	return &ErrResponse{
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
		AppCode:        kind.Code(),
		Kind:           kind.String(),
		ErrorText:      kind.Message(),
	}
}
