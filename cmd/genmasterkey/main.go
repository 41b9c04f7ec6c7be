package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrylevesque/biotimesync/internal/crypto"
)

func main() {
	var keyFile string
	var printOnly bool
	cmd := &cobra.Command{
		Use:           "genmasterkey",
		Short:         "Generate the master key that seals connector secrets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hexKey, err := crypto.GenerateMasterKey()
			if err != nil {
				return fmt.Errorf("generating random key: %w", err)
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), hexKey)
				return nil
			}
			return writeKey(keyFile, hexKey)
		},
	}
	cmd.Flags().StringVarP(&keyFile, "out", "o", filepath.Join("data", "master.key"), "key file to create")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the key instead of writing a file (for "+crypto.MasterKeyEnv+")")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// writeKey creates keyFile exclusively so an existing key is never replaced.
func writeKey(keyFile, hexKey string) error {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists. Refusing to overwrite", keyFile)
		}
		return err
	}
	if _, err := f.WriteString(hexKey + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", keyFile, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Master key written to %s\n", keyFile)
	return nil
}
