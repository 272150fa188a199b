package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/rules"
)

// Migrate applies the embedded schema and optionally imports a YAML rule file
// and the configured hub tokens into postgres.
func (a *App) Migrate(ctx context.Context, opts MigrateOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	if closeStore != nil {
		defer closeStore()
	}

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
	}

	if opts.RulesPath != "" {
		loaded, err := rules.NewFileSource(opts.RulesPath, a.Logger).Load(ctx)
		if err != nil {
			return err
		}
		for _, r := range loaded {
			if err := store.UpsertRule(ctx, r); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "imported %d rules from %s\n", len(loaded), opts.RulesPath)
	}

	for token, identity := range a.Config.HubTokens() {
		if token == "" {
			continue
		}
		if err := store.PutAPIKey(ctx, token, identity); err != nil {
			return err
		}
	}
	return nil
}
