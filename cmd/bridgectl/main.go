package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultPassEnv   = "BTCBRIDGE_KEYSTORE_PASS"
	defaultSecretEnv = "BTCBRIDGE_GATEWAY_HMAC_SECRET"
)

func init() {
	cobra.EnablePrefixMatching = true
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Operator tooling for the btcbridge node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newKeygenCmd(),
		newAddressCmd(),
		newSignQuoteCmd(),
		newProofCmd(),
		newBroadcastCmd(),
		newTokenCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl failed: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
