package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a VAULT_MASTER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newEncryptCmd() *cobra.Command {
	var keyHex string

	cmd := &cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Seal a secret with the master key",
		Long: `Seal a secret the same way the service stores it. The plaintext is read
from the argument or, without one, from the first line of stdin. The key
comes from --key or VAULT_MASTER_KEY.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyHex == "" {
				_ = godotenv.Load()
				keyHex = os.Getenv("VAULT_MASTER_KEY")
			}
			key, err := config.DecodeMasterKey(keyHex)
			if err != nil {
				return err
			}
			v, err := vault.New(key)
			if err != nil {
				return err
			}

			plaintext, err := readPlaintext(cmd, args)
			if err != nil {
				return err
			}

			sealed, err := v.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex master key (default $VAULT_MASTER_KEY)")
	return cmd
}

func readPlaintext(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read plaintext: %w", err)
		}
		return "", fmt.Errorf("plaintext is empty")
	}
	return line, nil
}
