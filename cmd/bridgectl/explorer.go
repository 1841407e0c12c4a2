package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/spf13/cobra"

	"btcbridge/services/relayer"
)

type explorerFlags struct {
	baseURL string
	timeout time.Duration
}

func (f *explorerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.baseURL, "explorer", "https://blockstream.info/api", "Esplora API base URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", relayer.DefaultRequestTimeout, "per request timeout")
}

func (f *explorerFlags) client() (*relayer.Explorer, error) {
	return relayer.NewExplorer(relayer.ExplorerConfig{
		BaseURL:    f.baseURL,
		Timeout:    relayer.Duration{Duration: f.timeout},
		MaxRetries: relayer.MaxRetryNum,
	})
}

type proofOutput struct {
	Tx    string `json:"tx"`
	Proof string `json:"proof"`
}

func newProofCmd() *cobra.Command {
	var (
		flags explorerFlags
		block string
		txid  string
	)
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Fetch a transaction and its merkle proof for POST /v1/transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			blockHash, err := chainhash.NewHashFromStr(strings.TrimSpace(block))
			if err != nil {
				return err
			}
			txHash, err := chainhash.NewHashFromStr(strings.TrimSpace(txid))
			if err != nil {
				return err
			}
			explorer, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			raw, proof, err := explorer.TransactionProof(ctx, *blockHash, *txHash)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), proofOutput{
				Tx:    hex.EncodeToString(raw),
				Proof: hex.EncodeToString(proof),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&block, "block", "", "hash of the block containing the transaction")
	cmd.Flags().StringVar(&txid, "txid", "", "transaction id")
	_ = cmd.MarkFlagRequired("block")
	_ = cmd.MarkFlagRequired("txid")
	return cmd
}

func newBroadcastCmd() *cobra.Command {
	var flags explorerFlags
	cmd := &cobra.Command{
		Use:   "broadcast <raw-tx-hex>",
		Short: "Broadcast a signed Bitcoin transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(args[0]), "0x"))
			if err != nil {
				return err
			}
			explorer, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			txid, err := explorer.Broadcast(ctx, raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), txid.String())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
