package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/addrfeat-cli/internal/progress"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// selectRegions resolves the --states flag, falling back to fetch.states and
// then the whole catalog.
func selectRegions(statesFlag string) ([]tiger.Region, error) {
	catalog, err := tiger.LoadCatalog(cfg.Fetch.CatalogPath)
	if err != nil {
		return nil, err
	}

	keys := splitAndTrim(statesFlag)
	if len(keys) == 0 {
		keys = cfg.Fetch.States
	}
	return catalog.Select(keys)
}

// openStore opens the configured progress store.
func openStore(ctx context.Context, mode progress.Mode) (progress.Store, error) {
	store, err := progress.Open(ctx, cfg.Store.Driver, cfg.Store.Path, mode)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store %s", cfg.Store.Driver, cfg.Store.Path)
	}
	return store, nil
}

// splitAndTrim splits a comma-separated list, dropping empty entries.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
