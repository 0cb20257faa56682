package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/extract"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/quality"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/rawstore"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
)

// openStore validates store configuration and connects.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, badInput(err)
	}
	return store.New(ctx, cfg.Store)
}

// openRaw validates raw-store configuration and builds the client.
func openRaw() (rawstore.Store, error) {
	if err := cfg.Validate("raw"); err != nil {
		return nil, badInput(err)
	}
	return rawstore.New(cfg.Raw)
}

// buildGate assembles the built-in invariant checks plus any configured
// threshold checks.
func buildGate(st store.Store) (*quality.Gate, error) {
	g := quality.NewGate(st)
	if cfg.Quality.ChecksFile != "" {
		if err := quality.LoadThresholdChecks(g, st, cfg.Quality.ChecksFile); err != nil {
			return nil, badInput(err)
		}
	}
	return g, nil
}

// buildRegistries returns the extractor and version registries.
func buildRegistries(st store.Store) (*extract.Registry, *version.Registry) {
	return extract.NewRegistry(), version.NewRegistry(st)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
