package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"btcbridge/cmd/internal/passphrase"
	"btcbridge/crypto"
	"btcbridge/native/vault"
)

type keyFlags struct {
	keystore string
	passEnv  string
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keystore, "keystore", "bridge.keystore", "path to the keystore file")
	cmd.Flags().StringVar(&f.passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
}

func (f *keyFlags) load() (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(f.passEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(f.keystore, pass)
}

func newKeygenCmd() *cobra.Command {
	var (
		flags keyFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key and store it in an encrypted keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(flags.keystore); err == nil && !force {
				return fmt.Errorf("keystore %s already exists; pass --force to overwrite", flags.keystore)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			pass, err := passphrase.NewSource(flags.passEnv).Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(flags.keystore, key, pass); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PubKey().Address().String())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	return cmd
}

func newAddressCmd() *cobra.Command {
	var flags keyFlags
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the account held by a keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := flags.load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PubKey().Address().String())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type signedQuote struct {
	Price     uint64 `json:"price"`
	Decimals  uint8  `json:"decimals"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	Oracle    string `json:"oracle"`
}

func newSignQuoteCmd() *cobra.Command {
	var (
		flags     keyFlags
		price     uint64
		decimals  uint8
		timestamp int64
	)
	cmd := &cobra.Command{
		Use:   "sign-quote",
		Short: "Sign an exchange rate quote for POST /v1/oracle/rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if price == 0 {
				return errors.New("--price must be positive")
			}
			key, err := flags.load()
			if err != nil {
				return err
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			q, err := vault.SignQuote(key, vault.Quote{Price: price, Decimals: decimals, Timestamp: timestamp})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), signedQuote{
				Price:     q.Price,
				Decimals:  q.Decimals,
				Timestamp: q.Timestamp,
				Signature: hex.EncodeToString(q.Signature),
				Oracle:    key.PubKey().Address().String(),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().Uint64Var(&price, "price", 0, "collateral units per BTC, scaled by 10^decimals")
	cmd.Flags().Uint8Var(&decimals, "decimals", 0, "decimal places of --price")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "quote timestamp in unix seconds (default now)")
	return cmd
}
