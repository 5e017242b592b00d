package config

import (
	"fmt"

	"github.com/threatflux/edrcore/internal/policy"
)

// ApplyPolicy seeds store's eight allow/deny sets and enforcement mode from
// the Security section of a loaded Config. It is the bridge between the
// YAML-driven front end and the Policy Store's runtime-mutable API; callers
// typically invoke this once at startup and then mutate store directly
// thereafter (e.g. from an operator REPL or REST endpoint).
func (c *Config) ApplyPolicy(store *policy.Store) error {
	mode, err := policy.ParseMode(c.Security.Mode)
	if err != nil {
		return fmt.Errorf("config: security.mode: %w", err)
	}
	store.SetMode(mode)

	for _, h := range c.Security.AllowedHashes {
		if err := store.AllowHash(h); err != nil {
			return fmt.Errorf("config: security.allowed_hashes: %w", err)
		}
	}
	for _, h := range c.Security.DeniedHashes {
		if err := store.DenyHash(h); err != nil {
			return fmt.Errorf("config: security.denied_hashes: %w", err)
		}
	}
	for _, p := range c.Security.AllowedPaths {
		if err := store.AllowPath(p); err != nil {
			return fmt.Errorf("config: security.allowed_paths: %w", err)
		}
	}
	for _, p := range c.Security.DeniedPaths {
		if err := store.DenyPath(p); err != nil {
			return fmt.Errorf("config: security.denied_paths: %w", err)
		}
	}
	for _, n := range c.Security.AllowedNetworks {
		if err := store.AllowNetwork(n); err != nil {
			return fmt.Errorf("config: security.allowed_networks: %w", err)
		}
	}
	for _, n := range c.Security.DeniedNetworks {
		if err := store.DenyNetwork(n); err != nil {
			return fmt.Errorf("config: security.denied_networks: %w", err)
		}
	}
	for _, port := range c.Security.AllowedPorts {
		if err := store.AllowPort(port); err != nil {
			return fmt.Errorf("config: security.allowed_ports: %w", err)
		}
	}
	for _, port := range c.Security.DeniedPorts {
		if err := store.DenyPort(port); err != nil {
			return fmt.Errorf("config: security.denied_ports: %w", err)
		}
	}
	return nil
}
