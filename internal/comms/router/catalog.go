package router

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/ratelimit"
)

// yamlChannelFile is the top-level YAML structure for channel policy files.
type yamlChannelFile struct {
	Channel yamlChannel `yaml:"channel"`
}

// yamlChannel is the YAML representation of one channel kind's policy.
type yamlChannel struct {
	Kind       string        `yaml:"kind"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

// Policy is the per-kind delivery policy from the channel catalog.
type Policy struct {
	// Kind is the channel kind this policy applies to.
	Kind comms.ChannelKind
	// RateLimit is the admitted sends per RateWindow (0 = unlimited).
	RateLimit int
	// RateWindow is the fixed rate-limit window.
	RateWindow time.Duration
	// PendingTTL is how long undeliverable messages are buffered.
	PendingTTL time.Duration
}

// Catalog holds the loaded channel policies.
type Catalog struct {
	policies map[comms.ChannelKind]Policy
}

// DefaultCatalog returns the built-in policies used when no catalog
// directory is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{policies: map[comms.ChannelKind]Policy{
		comms.ChannelLocation: {Kind: comms.ChannelLocation, RateLimit: 20, RateWindow: 10 * time.Second, PendingTTL: time.Minute},
		comms.ChannelGlobal:   {Kind: comms.ChannelGlobal, RateLimit: 10, RateWindow: 10 * time.Second, PendingTTL: time.Minute},
		comms.ChannelDirect:   {Kind: comms.ChannelDirect, RateLimit: 30, RateWindow: 10 * time.Second, PendingTTL: 2 * time.Minute},
		comms.ChannelSystem:   {Kind: comms.ChannelSystem, PendingTTL: 5 * time.Minute},
	}}
}

// LoadChannelFromBytes parses and validates one channel policy from YAML.
//
// Precondition: data must be valid YAML conforming to the channel schema.
// Postcondition: Returns a validated Policy or a non-nil error.
func LoadChannelFromBytes(data []byte) (Policy, error) {
	var f yamlChannelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parsing channel yaml: %w", err)
	}

	kind, err := comms.ParseChannelKind(f.Channel.Kind)
	if err != nil {
		return Policy{}, fmt.Errorf("channel kind: %w", err)
	}
	if f.Channel.RateLimit < 0 {
		return Policy{}, fmt.Errorf("channel %q: rate_limit must be >= 0, got %d", f.Channel.Kind, f.Channel.RateLimit)
	}
	if f.Channel.RateLimit > 0 && f.Channel.RateWindow <= 0 {
		return Policy{}, fmt.Errorf("channel %q: rate_window must be > 0 when rate_limit is set", f.Channel.Kind)
	}
	if f.Channel.PendingTTL < 0 {
		return Policy{}, fmt.Errorf("channel %q: pending_ttl must be >= 0", f.Channel.Kind)
	}

	return Policy{
		Kind:       kind,
		RateLimit:  f.Channel.RateLimit,
		RateWindow: f.Channel.RateWindow,
		PendingTTL: f.Channel.PendingTTL,
	}, nil
}

// LoadCatalogFromDir reads every .yaml/.yml file in dir as a channel
// policy. Kinds not present in the directory fall back to defaults.
//
// Postcondition: Returns a complete Catalog or a non-nil error (unreadable
// file, invalid policy, or duplicate kind).
func LoadCatalogFromDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading channel catalog dir %s: %w", dir, err)
	}

	cat := DefaultCatalog()
	seen := make(map[comms.ChannelKind]string)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading channel file %s: %w", path, err)
		}
		p, err := LoadChannelFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("channel file %s: %w", path, err)
		}
		if prev, dup := seen[p.Kind]; dup {
			return nil, fmt.Errorf("channel kind %q defined in both %s and %s", p.Kind, prev, name)
		}
		seen[p.Kind] = name
		cat.policies[p.Kind] = p
	}
	return cat, nil
}

// Policy returns the policy for a channel kind.
func (c *Catalog) Policy(kind comms.ChannelKind) Policy {
	return c.policies[kind]
}

// PendingTTL returns the pending-buffer TTL for a channel kind.
func (c *Catalog) PendingTTL(kind comms.ChannelKind) time.Duration {
	return c.policies[kind].PendingTTL
}

// RatePolicies converts the catalog into rate limiter policies.
func (c *Catalog) RatePolicies() map[comms.ChannelKind]ratelimit.Policy {
	out := make(map[comms.ChannelKind]ratelimit.Policy, len(c.policies))
	for kind, p := range c.policies {
		if p.RateLimit > 0 {
			out[kind] = ratelimit.Policy{Limit: p.RateLimit, Window: p.RateWindow}
		}
	}
	return out
}
