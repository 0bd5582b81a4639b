package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/sigil/config"
	"github.com/layer-3/sigil/core"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new session key on chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := stack.Manager.Create(cmd.Context(), owner)
		if err != nil {
			return err
		}
		printKey(cmd, key)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Validate the stored session key",
	Long: `Validate the stored session key against the configured policy and its on-chain
status. Keys that are stale or no longer active are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := stack.Manager.Load(cmd.Context(), owner.From())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state:      %s\n", result.State)
		if result.Key != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "status:     %s\n", result.Status)
			printKey(cmd, result.Key)
		}
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke the session key on chain and remove it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := stack.Manager.Revoke(cmd.Context(), owner); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "revoked")
		return nil
	},
}

var (
	submitTarget   string
	submitSelector string
	submitArgs     string
	submitValue    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Call a contract from the owner account with the session key",
	Long: `Call a contract from the owner account, authorized by the session key, and wait
for it to be included. Any value is paid by the owner account.

Examples:
  sessionkey submit --target 0x... --selector "transfer(address,uint256)" --args 0x...
  sessionkey submit --target 0x... --selector 0xa9059cbb --value 1000000000000000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(submitTarget) {
			return fmt.Errorf("invalid target %q", submitTarget)
		}
		selector, err := config.ParseSelector(submitSelector)
		if err != nil {
			return err
		}
		var calldata []byte
		if submitArgs != "" {
			if calldata, err = hexutil.Decode(submitArgs); err != nil {
				return fmt.Errorf("invalid args: %w", err)
			}
		}
		value, err := core.ParseUint(submitValue)
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}

		hash, err := stack.Executor.Submit(cmd.Context(), owner.From(), common.HexToAddress(submitTarget), selector, calldata, value)
		if hash != (common.Hash{}) {
			fmt.Fprintf(cmd.OutOrStdout(), "tx:    %s\n", hash.Hex())
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "value: %s ETH\n", core.FormatEther(value))
		return nil
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt the stored session key under a new encryption key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := stack.Vault.RotateKey(cmd.Context(), owner.From()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rotated")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Retry revocations that did not confirm",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, err := stack.Vault.Reconcile(cmd.Context(), owner)
		fmt.Fprintf(cmd.OutOrStdout(), "resolved: %d\n", resolved)
		return err
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "contract address to call")
	submitCmd.Flags().StringVar(&submitSelector, "selector", "", "4-byte selector as hex or a function signature")
	submitCmd.Flags().StringVar(&submitArgs, "args", "", "ABI-encoded arguments as 0x hex")
	submitCmd.Flags().StringVar(&submitValue, "value", "0", "value in wei")
	_ = submitCmd.MarkFlagRequired("target")
	_ = submitCmd.MarkFlagRequired("selector")

	rootCmd.AddCommand(createCmd, statusCmd, revokeCmd, submitCmd, rotateKeyCmd, reconcileCmd)
}

func printKey(cmd *cobra.Command, key *core.StoredSessionKey) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "hash:       %s\n", key.Hash.Hex())
	fmt.Fprintf(out, "signer:     %s\n", key.Delegation.Signer.Hex())
	fmt.Fprintf(out, "expires at: %s\n", key.Delegation.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "fee limit:  %s ETH\n", core.FormatEther(key.Delegation.FeeLimit.Limit))
}
