package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"licenseplatform/internal/config"
	"licenseplatform/internal/idgen"
	"licenseplatform/internal/keys"
	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
)

const redisConnectTimeout = 5 * time.Second

// IssueCommand signs a license request and writes the license file.
type IssueCommand struct {
	opts    *RootOptions
	request string
	outDir  string
}

// IssueResult is printed after a successful issue.
type IssueResult struct {
	LicenseID string `json:"licenseId"`
	Path      string `json:"path"`
}

func NewIssueCommand(opts *RootOptions) *IssueCommand {
	return &IssueCommand{opts: opts}
}

func (c *IssueCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a license request and write <licenseId>.lic",
		Long: `Reads an issue request as JSON, signs it with the keystore key and writes
the license file into the output directory. Use --request - to read stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
	cmd.Flags().StringVar(&c.request, "request", "", "issue request JSON file, or - for stdin")
	cmd.Flags().StringVar(&c.outDir, "out", "", "output directory (default issuer.output_dir)")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func (c *IssueCommand) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, logger, err := c.opts.load(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireSigner(); err != nil {
		return fmt.Errorf("issuing is not configured: %w", err)
	}

	req, err := c.readRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}

	outDir := c.outDir
	if outDir == "" {
		outDir = cfg.Issuer.OutputDir
	}

	ks, err := keys.OpenKeystore(cfg.Keys.KeystorePath, []byte(cfg.Keys.StorePass))
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	signer, err := ks.PrivateKey(cfg.Keys.Alias, []byte(cfg.Keys.KeyPass))
	if err != nil {
		return fmt.Errorf("failed to load signing key %q: %w", cfg.Keys.Alias, err)
	}

	ids, closeIDs, err := newSequence(ctx, cfg, outDir, logger)
	if err != nil {
		return err
	}
	defer closeIDs()

	issuer := license.NewIssuer(ids, signer, logger)
	rec, err := issuer.Issue(ctx, req)
	if err != nil {
		return err
	}
	path, err := issuer.WriteFile(outDir, rec)
	if err != nil {
		return err
	}

	if cfg.Ledger.Enabled {
		store, err := ledger.Open(cfg.Ledger.DSN, logger)
		if err != nil {
			logger.WarnContext(ctx, "ledger unavailable, issue not recorded", slog.String("error", err.Error()))
		} else {
			defer store.Close()
			if err := store.RecordIssued(ctx, rec, path); err != nil {
				logger.WarnContext(ctx, "failed to record issued license", slog.String("error", err.Error()))
			}
		}
	}

	return writeJSON(cmd.OutOrStdout(), &IssueResult{LicenseID: rec.LicenseID, Path: path})
}

func (c *IssueCommand) readRequest(stdin io.Reader) (*license.IssueRequest, error) {
	var data []byte
	var err error
	if c.request == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(c.request)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	req := &license.IssueRequest{}
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// newSequence returns the shared Redis sequence when one is configured.
// Otherwise the in-memory sequence continues from the files already in
// outDir.
func newSequence(ctx context.Context, cfg *config.Config, outDir string, logger *slog.Logger) (license.IDGenerator, func(), error) {
	if cfg.Issuer.RedisAddr == "" {
		seq := idgen.NewMemorySequence()
		if err := seq.SeedFromDir(outDir); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s: %w", outDir, err)
		}
		return seq, func() {}, nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	seq, err := idgen.NewRedisSequence(redisCtx, idgen.RedisConfig{
		Address:  cfg.Issuer.RedisAddr,
		Password: cfg.Issuer.RedisPassword,
		DB:       cfg.Issuer.RedisDB,
		Prefix:   cfg.Issuer.RedisPrefix,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return seq, func() { _ = seq.Close() }, nil
}
