package app

import (
	"context"
	"errors"
	"fmt"

	"stride/internal/config"
	"stride/internal/repo"
)

// DefaultTrackerID keys the single config row a workspace carries.
const DefaultTrackerID = "default"

// ResolveConfig loads the tracker config from the DB, seeding the default if
// none has been imported yet. A stride.yml in the workspace, when present,
// takes precedence and is written back to the DB.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertTrackerConfig(ctx, DefaultTrackerID, fileCfg); err != nil {
			return nil, fmt.Errorf("store tracker config: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetTrackerConfig(ctx, DefaultTrackerID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default(DefaultTrackerID)
		if err := r.UpsertTrackerConfig(ctx, DefaultTrackerID, cfg); err != nil {
			return nil, fmt.Errorf("seed tracker config: %w", err)
		}
	}
	return cfg, nil
}
