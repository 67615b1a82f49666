// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/credstore"
	"github.com/tether-foundation/tether/lib/seal"
	"github.com/tether-foundation/tether/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tether-pair: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch subcommand := os.Args[1]; subcommand {
	case "pair":
		return runPair(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "remove":
		return runRemove(os.Args[2:])
	case "machine-key":
		return runMachineKey(os.Args[2:])
	case "version":
		fmt.Printf("tether-pair %s\n", version.Full())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: tether-pair <subcommand> [flags]

Subcommands:
  pair         Store credentials for a scope (sealed to this machine)
  list         List paired scopes
  remove       Remove a paired scope
  machine-key  Print this machine's public key
  version      Print version information

Run 'tether-pair <subcommand> --help' for subcommand flags.
`)
}

// openStore resolves the credentials directory from the flag or the
// daemon configuration and opens the store there.
func openStore(credentialsDir string) (*credstore.Store, error) {
	if credentialsDir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		credentialsDir = cfg.Paths.Credentials
	}
	if err := os.MkdirAll(credentialsDir, 0700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", credentialsDir, err)
	}
	return credstore.Open(credentialsDir)
}

func loadConfig() (*config.Config, error) {
	if os.Getenv("TETHER_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// runPair stores a scope credential bundle. The state key is taken
// from --key as hex, or freshly generated and printed so the relay
// side can be configured with it.
func runPair(args []string) error {
	flags := pflag.NewFlagSet("pair", pflag.ContinueOnError)
	scopeID := flags.String("scope", "", "scope identifier assigned at pairing (required)")
	token := flags.String("token", "", "bearer token for the relay handshake (required)")
	keyHex := flags.String("key", "", "64-hex-char state key; generated when omitted")
	variant := flags.String("variant", "xchacha20-poly1305", "seal variant for new payloads")
	clientType := flags.String("client-type", "machine-scoped", "client type presented in the handshake")
	credentialsDir := flags.String("credentials", "", "credential store directory (defaults to the configured path)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *scopeID == "" {
		return fmt.Errorf("--scope is required")
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	generated := false
	if *keyHex == "" {
		key, err := seal.NewKey()
		if err != nil {
			return fmt.Errorf("generating state key: %w", err)
		}
		*keyHex = hex.EncodeToString(key[:])
		generated = true
	}

	store, err := openStore(*credentialsDir)
	if err != nil {
		return err
	}
	bundle := &credstore.Bundle{
		ScopeID:     *scopeID,
		ClientType:  *clientType,
		BearerToken: *token,
		StateKey:    *keyHex,
		Variant:     *variant,
	}
	if err := store.Save(bundle); err != nil {
		return fmt.Errorf("saving scope %s: %w", *scopeID, err)
	}

	key, err := bundle.Key()
	if err != nil {
		return err
	}
	fmt.Printf("paired scope %s (key fingerprint %s)\n", *scopeID, key.Fingerprint())
	if generated {
		// Printed once; the stored copy is sealed to the machine key.
		fmt.Printf("state key: %s\n", *keyHex)
	}
	return nil
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	credentialsDir := flags.String("credentials", "", "credential store directory (defaults to the configured path)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*credentialsDir)
	if err != nil {
		return err
	}
	scopes, err := store.List()
	if err != nil {
		return err
	}
	if len(scopes) == 0 {
		fmt.Println("no paired scopes")
		return nil
	}
	for _, scopeID := range scopes {
		bundle, err := store.Load(scopeID)
		if err != nil {
			fmt.Printf("%s (unreadable: %v)\n", scopeID, err)
			continue
		}
		key, err := bundle.Key()
		if err != nil {
			fmt.Printf("%s (bad key: %v)\n", scopeID, err)
			continue
		}
		fmt.Printf("%s  %s  %s  fingerprint %s\n", scopeID, bundle.ClientType, bundle.Variant, key.Fingerprint())
	}
	return nil
}

func runRemove(args []string) error {
	flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
	scopeID := flags.String("scope", "", "scope identifier to remove (required)")
	credentialsDir := flags.String("credentials", "", "credential store directory (defaults to the configured path)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *scopeID == "" {
		return fmt.Errorf("--scope is required")
	}

	store, err := openStore(*credentialsDir)
	if err != nil {
		return err
	}
	if err := store.Delete(*scopeID); err != nil {
		return fmt.Errorf("removing scope %s: %w", *scopeID, err)
	}
	fmt.Printf("removed scope %s\n", *scopeID)
	return nil
}

func runMachineKey(args []string) error {
	flags := pflag.NewFlagSet("machine-key", pflag.ContinueOnError)
	credentialsDir := flags.String("credentials", "", "credential store directory (defaults to the configured path)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*credentialsDir)
	if err != nil {
		return err
	}
	fmt.Println(store.MachinePublicKey())
	return nil
}
