package syncer

import (
	"context"
	"fmt"

	"calsync/internal/config"
	"calsync/internal/roster"
	"calsync/internal/schedule"
)

// ConfigSource builds the desired schedule of a configured scope from its
// schedule locations and the roster file. Both are read again on every call
// so edits are picked up by the next run.
type ConfigSource struct {
	Scopes        []config.ScopeConfig
	Loader        *schedule.Loader
	RosterPath    string
	RosterOptions roster.Options
}

// NewConfigSource wires a ConfigSource from cfg.
func NewConfigSource(cfg *config.Config, loader *schedule.Loader) *ConfigSource {
	return &ConfigSource{
		Scopes:     cfg.Scopes,
		Loader:     loader,
		RosterPath: cfg.Roster.Path,
		RosterOptions: roster.Options{
			Domain:      cfg.Graph.Domain,
			StripTokens: cfg.Roster.StripTokens,
			Overrides:   cfg.Roster.Overrides,
			Skip:        cfg.Roster.Skip,
		},
	}
}

func (c *ConfigSource) scope(key string) (config.ScopeConfig, bool) {
	for _, s := range c.Scopes {
		if s.Key == key {
			return s, true
		}
	}
	return config.ScopeConfig{}, false
}

func (c *ConfigSource) Desired(ctx context.Context, key string) (*Desired, error) {
	sc, ok := c.scope(key)
	if !ok {
		return nil, fmt.Errorf("unknown scope %q", key)
	}
	loader := c.Loader
	if loader == nil {
		loader = &schedule.Loader{}
	}
	sched, err := loader.Load(ctx, sc.Kind, sc.Schedules)
	if err != nil {
		return nil, err
	}
	people, err := roster.LoadFile(c.RosterPath)
	if err != nil {
		return nil, err
	}
	res := roster.New(people, c.RosterOptions).Resolve(sched)
	return &Desired{
		Kind:      sc.Kind,
		Slots:     res.Desired,
		Matches:   res.Matches,
		Unmatched: res.Unmatched,
		Skipped:   res.Skipped,
	}, nil
}
