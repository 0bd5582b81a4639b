package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/app"
	"github.com/layer-3/sigil/config"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// OwnerKeyEnv names the variable holding the owner's hex-encoded private key
const OwnerKeyEnv = "SIGIL_OWNER_PRIVATE_KEY"

var (
	cfgFile string
	stack   *app.Stack
	owner   ports.Transactor
)

var rootCmd = &cobra.Command{
	Use:   "sessionkey",
	Short: "Manage delegated session keys",
	Long: `sessionkey creates, inspects and revokes the session key of one owner account.

The owner's private key is read from ` + OwnerKeyEnv + `. Every other setting is
read the same way the server reads it: .env, SIGIL_* variables and --config.

Commands:
  create      Register a new session key on chain
  status      Validate the stored session key
  revoke      Revoke the session key on chain and remove it
  submit      Send a call signed by the session key
  rotate-key  Re-encrypt the stored session key under a new key
  reconcile   Retry revocations that did not confirm`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stack != nil {
			stack.Close()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
}

func setup(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(os.Getenv("SIGIL_LOG_LEVEL"))
	config.LoadEnv(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	key, err := ownerKey()
	if err != nil {
		return err
	}

	stack, err = app.New(cmd.Context(), cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if !stack.SessionKeysEnabled() {
		return errors.New("session keys require rpc_url and registry_address")
	}

	owner = stack.Backend.ForKey(key)
	return nil
}

func ownerKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(OwnerKeyEnv)), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", OwnerKeyEnv)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", OwnerKeyEnv, err)
	}
	return key, nil
}
