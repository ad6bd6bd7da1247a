// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bey-seal keeps node private keys encrypted at rest with age.
//
//	bey-seal keygen --output age.txt
//	bey-seal seal --recipient age1... node.key        # writes node.key.age
//	bey-seal check --identity age.txt node.key.age
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bey/lib/process"
	"github.com/bureau-foundation/bey/lib/sealed"
	"github.com/bureau-foundation/bey/lib/secret"
	"github.com/bureau-foundation/bey/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("subcommand required")
	}

	switch subcommand := args[0]; subcommand {
	case "keygen":
		return runKeygen(args[1:], stdout)
	case "seal":
		return runSeal(args[1:], stdout)
	case "check":
		return runCheck(args[1:], stdout)
	case "version", "--version":
		version.Fprint(stdout, "bey-seal")
		return nil
	case "-h", "--help", "help":
		printUsage(stderr)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: bey-seal <subcommand> [flags]

Subcommands:
  keygen      Generate an age identity; prints its public key
  seal        Encrypt a node private key to age recipients
  check       Verify a sealed key opens with an identity
  version     Print version information

Run 'bey-seal <subcommand> --help' for subcommand flags.
`)
}

// runKeygen writes a new age identity file and prints its public key.
func runKeygen(args []string, stdout io.Writer) error {
	var output string
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	flagSet.StringVarP(&output, "output", "o", "", "write the identity to this file (required)")
	if err := parse(flagSet, args); err != nil {
		return err
	}
	if output == "" {
		return errors.New("keygen: --output is required")
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	if err := keypair.WriteIdentity(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	fmt.Fprintln(stdout, keypair.PublicKey)
	return nil
}

// runSeal encrypts a PEM key file to the given recipients.
func runSeal(args []string, stdout io.Writer) error {
	var recipients []string
	var output string
	var binary, remove bool
	flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	flagSet.StringArrayVarP(&recipients, "recipient", "r", nil, "age public key to seal to (repeatable)")
	flagSet.StringVarP(&output, "output", "o", "", "sealed output path (default: <key>.age)")
	flagSet.BoolVar(&binary, "binary", false, "write binary age instead of PEM armor")
	flagSet.BoolVar(&remove, "remove", false, "delete the plaintext key after sealing")
	if err := parse(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("seal: exactly one key file is required")
	}
	input := flagSet.Arg(0)
	if output == "" {
		output = input + ".age"
	}
	for _, recipient := range recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("seal: %w", err)
		}
	}

	key, err := secret.ReadFile(input)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	defer key.Close()

	var ciphertext bytes.Buffer
	if err := sealed.Seal(&ciphertext, key.Bytes(), recipients, !binary); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if err := os.WriteFile(output, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if remove {
		if err := os.Remove(input); err != nil {
			return fmt.Errorf("seal: removing plaintext key: %w", err)
		}
	}
	fmt.Fprintf(stdout, "sealed %s to %d recipient(s):\n%s\n", output, len(recipients), sealed.FormatRecipients(recipients))
	return nil
}

// runCheck opens a sealed key without printing it.
func runCheck(args []string, stdout io.Writer) error {
	var identity string
	flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
	flagSet.StringVarP(&identity, "identity", "i", "", "age identity file (required)")
	if err := parse(flagSet, args); err != nil {
		return err
	}
	if identity == "" || flagSet.NArg() != 1 {
		return errors.New("check: --identity and one sealed file are required")
	}

	plaintext, err := sealed.OpenFile(flagSet.Arg(0), identity)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	size := plaintext.Len()
	plaintext.Close()
	fmt.Fprintf(stdout, "%s opens with %s (%d bytes)\n", flagSet.Arg(0), identity, size)
	return nil
}

func parse(flagSet *pflag.FlagSet, args []string) error {
	err := flagSet.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}
