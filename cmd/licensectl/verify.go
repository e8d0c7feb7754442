package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"licenseplatform/internal/gate"
	"licenseplatform/internal/hardware"
	"licenseplatform/internal/keys"
	"licenseplatform/internal/license"
)

// VerifyCommand runs the validation pipeline on a license file.
type VerifyCommand struct {
	opts *RootOptions
	root string
}

// VerifyResult is printed for every verification, valid or not.
type VerifyResult struct {
	Valid     bool            `json:"valid"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Kind      string          `json:"kind"`
	Stage     string          `json:"stage"`
	LicenseID string          `json:"licenseId,omitempty"`
	Features  map[string]bool `json:"features,omitempty"`
}

func NewVerifyCommand(opts *RootOptions) *VerifyCommand {
	return &VerifyCommand{opts: opts}
}

func (c *VerifyCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <license-file>",
		Short: "Validate a license file against this host",
		Long: `Checks the signature, validity window, hardware binding, first use and
the clock rollback checkpoint. Exits with status 2 when the license is
rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&c.root, "root", "/", "filesystem root holding /proc and /sys")
	return cmd
}

func (c *VerifyCommand) run(cmd *cobra.Command, path string) error {
	cfg, logger, err := c.opts.load(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireVerifier(); err != nil {
		return fmt.Errorf("verification is not configured: %w", err)
	}

	pub, err := keys.LoadPublicKey(cfg.Keys.CertificatePath)
	if err != nil {
		return err
	}
	guard, err := license.NewRollbackGuard(cfg.Guard.RecordPath, []byte(cfg.Guard.Secret), logger)
	if err != nil {
		return err
	}
	guard.SetLockTimeout(cfg.Guard.LockTimeout)

	v, err := license.NewValidator(pub, guard, license.WithLogger(logger))
	if err != nil {
		return err
	}
	probe := hardware.NewProbe(hardware.WithRoot(c.root), hardware.WithLogger(logger))

	out := gate.NewFileSource(path, v, probe, logger).Evaluate(cmd.Context())
	if err := writeJSON(cmd.OutOrStdout(), &VerifyResult{
		Valid:     out.Valid(),
		Code:      out.Code(),
		Message:   out.Message(),
		Kind:      out.Kind.String(),
		Stage:     out.Stage.String(),
		LicenseID: out.LicenseID,
		Features:  out.Features,
	}); err != nil {
		return err
	}
	if !out.Valid() {
		return &RejectedError{Kind: out.Kind}
	}
	return nil
}
