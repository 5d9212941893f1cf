package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/store"
	"github.com/agoranhq/agoran/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("AGORAN_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("AGORAN_VAULT_PASSPHRASE environment variable is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	keyring := vault.NewKeyring(vault.New(passphrase), db)

	switch args[0] {
	case "list":
		return vaultList(keyring)
	case "set":
		return vaultSet(keyring, args[1:])
	case "get":
		return vaultGet(keyring, args[1:])
	case "delete":
		return vaultDelete(keyring, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: agoran vault <command>

Commands:
  list                          List stored credentials (metadata only)
  set <name> --value <str>      Store a credential from the command line
  set <name> --file <path>      Store a credential read from a file
  get <name>                    Decrypt and print a credential
  delete <name>                 Delete a credential

Environment:
  AGORAN_VAULT_PASSPHRASE       Required. Encryption passphrase.

The daemon reads "anthropic_api_key" at startup when neither the config
file nor ANTHROPIC_API_KEY provides one.
`)
}

func vaultList(k *vault.Keyring) error {
	secrets, err := k.List()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name,
			s.CreatedAt.UTC().Format("2006-01-02 15:04"),
			s.UpdatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(k *vault.Keyring, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: agoran vault set <name> --value <string> | --file <path>")
	}

	name := args[0]
	var value string

	switch args[1] {
	case "--value":
		value = args[2]
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = string(data)
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	if err := k.Put(name, name, value); err != nil {
		return err
	}
	fmt.Printf("Credential %q saved\n", name)
	return nil
}

func vaultGet(k *vault.Keyring, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agoran vault get <name>")
	}

	plaintext, err := k.Reveal(args[0])
	if err != nil {
		return err
	}
	if plaintext == "" {
		return fmt.Errorf("credential %q not found", args[0])
	}

	fmt.Print(plaintext)
	if !strings.HasSuffix(plaintext, "\n") {
		fmt.Println()
	}
	return nil
}

func vaultDelete(k *vault.Keyring, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agoran vault delete <name>")
	}
	if err := k.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Credential %q deleted\n", args[0])
	return nil
}
