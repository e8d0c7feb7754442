package gate

import (
	"context"
	"log/slog"
	"time"

	"licenseplatform/internal/infrastructure"
	"licenseplatform/internal/license"
)

// Source produces a fresh validation outcome for the license the process
// runs under.
type Source interface {
	Evaluate(ctx context.Context) license.Outcome
}

// MachineProber returns the fingerprint of the local machine.
type MachineProber interface {
	Current() license.Machine
}

// FileSource validates the license file at a fixed path against the local
// machine on every call.
type FileSource struct {
	path      string
	validator *license.Validator
	probe     MachineProber
	now       func() time.Time
	logger    *slog.Logger
}

// NewFileSource creates a source for the license file at path.
func NewFileSource(path string, v *license.Validator, probe MachineProber, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:      path,
		validator: v,
		probe:     probe,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "license_source")),
	}
}

// Evaluate loads the file and runs the full pipeline. A file that cannot be
// read or parsed yields an invalid outcome of the matching kind.
func (s *FileSource) Evaluate(ctx context.Context) license.Outcome {
	now := s.now().UnixMilli()

	rec, err := license.LoadRecord(s.path)
	if err != nil {
		infrastructure.WithError(s.logger, err).WarnContext(ctx, "license file unusable",
			slog.String("path", s.path),
		)
		return license.Outcome{
			Kind:      license.KindOf(err),
			CheckedAt: now,
			Err:       err,
		}
	}
	return s.validator.Validate(ctx, rec, now, s.probe.Current())
}
