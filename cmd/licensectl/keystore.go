package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"licenseplatform/internal/keys"
)

// KeystoreCommand manages the encrypted signing keystore. Passphrases come
// from LICENSE_KEYS_STORE_PASS and LICENSE_KEYS_KEY_PASS.
type KeystoreCommand struct {
	opts     *RootOptions
	keystore string
	alias    string
	keyFile  string
}

func NewKeystoreCommand(opts *RootOptions) *KeystoreCommand {
	return &KeystoreCommand{opts: opts}
}

func (c *KeystoreCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage the signing keystore",
	}
	cmd.PersistentFlags().StringVar(&c.keystore, "keystore", "", "keystore path (default keys.keystore_path)")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a PEM private key, creating the keystore if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runImport(cmd)
		},
	}
	importCmd.Flags().StringVar(&c.alias, "alias", "", "entry alias (default keys.alias)")
	importCmd.Flags().StringVar(&c.keyFile, "key", "", "PEM private key file")
	_ = importCmd.MarkFlagRequired("key")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keystore aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList(cmd)
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func (c *KeystoreCommand) runImport(cmd *cobra.Command) error {
	cfg, logger, err := c.opts.load(cmd)
	if err != nil {
		return err
	}
	path := firstNonEmpty(c.keystore, cfg.Keys.KeystorePath)
	alias := firstNonEmpty(c.alias, cfg.Keys.Alias)
	if cfg.Keys.StorePass == "" || cfg.Keys.KeyPass == "" {
		return errors.New("LICENSE_KEYS_STORE_PASS and LICENSE_KEYS_KEY_PASS must be set")
	}

	pemData, err := os.ReadFile(c.keyFile)
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	ks, err := keys.OpenKeystore(path, []byte(cfg.Keys.StorePass))
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("creating keystore", slog.String("path", path))
		ks, err = keys.CreateKeystore(nil)
	}
	if err != nil {
		return err
	}
	if err := ks.ImportPEM(alias, pemData, []byte(cfg.Keys.KeyPass)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := ks.Save(path, []byte(cfg.Keys.StorePass)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s into %s\n", alias, path)
	return nil
}

func (c *KeystoreCommand) runList(cmd *cobra.Command) error {
	cfg, _, err := c.opts.load(cmd)
	if err != nil {
		return err
	}
	if cfg.Keys.StorePass == "" {
		return errors.New("LICENSE_KEYS_STORE_PASS must be set")
	}
	ks, err := keys.OpenKeystore(firstNonEmpty(c.keystore, cfg.Keys.KeystorePath), []byte(cfg.Keys.StorePass))
	if err != nil {
		return err
	}
	for _, alias := range ks.Aliases() {
		fmt.Fprintln(cmd.OutOrStdout(), alias)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
