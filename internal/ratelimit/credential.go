package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTier is returned when a credential names a tier with no known limits
var ErrUnknownTier = errors.New("unknown tier")

// Tier is a named quota profile
type Tier string

const (
	TierFree  Tier = "free"
	TierOne   Tier = "tier1"
	TierTwo   Tier = "tier2"
	TierThree Tier = "tier3"
)

// Limits are the fixed capacities of a tier. A zero RequestsPerDay means the
// day is unbounded.
type Limits struct {
	RequestsPerMinute int
	RequestsPerDay    int
}

var tierLimits = map[Tier]Limits{
	TierFree:  {RequestsPerMinute: 10, RequestsPerDay: 250},
	TierOne:   {RequestsPerMinute: 150, RequestsPerDay: 10000},
	TierTwo:   {RequestsPerMinute: 1000, RequestsPerDay: 50000},
	TierThree: {RequestsPerMinute: 2000, RequestsPerDay: 0},
}

// LimitsFor returns the limits of a tier. An empty tier is treated as free.
func LimitsFor(tier Tier) (Limits, error) {
	if tier == "" {
		tier = TierFree
	}
	limits, ok := tierLimits[tier]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return limits, nil
}

// limitsOrFree never fails; credentials are validated on load.
func limitsOrFree(tier Tier) Limits {
	limits, err := LimitsFor(tier)
	if err != nil {
		return tierLimits[TierFree]
	}
	return limits
}

// Credential identifies one rate-limit domain at the upstream provider
type Credential struct {
	ID      string    `yaml:"id" json:"id"`
	Secret  string    `yaml:"secret" json:"-"`
	Tier    Tier      `yaml:"tier" json:"tier"`
	Label   string    `yaml:"label,omitempty" json:"label,omitempty"`
	AddedAt time.Time `yaml:"added_at,omitempty" json:"added_at"`
}

// Limits returns the tier-derived limits of the credential
func (c Credential) Limits() Limits {
	return limitsOrFree(c.Tier)
}

// DisplayName returns the label if set, otherwise the id
func (c Credential) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.ID
}

type credentialsFile struct {
	Keys []Credential `yaml:"keys"`
}

// LoadCredentials reads a YAML keys file:
//
//	keys:
//	  - id: primary
//	    secret: AIza...
//	    tier: tier1
//	    label: Office account
//
// A secret of the form "env:NAME" is read from the environment.
func LoadCredentials(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing keys file: %w", err)
	}

	seen := make(map[string]bool, len(file.Keys))
	creds := make([]Credential, 0, len(file.Keys))
	for i, c := range file.Keys {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("key %d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("key %s: duplicate id", c.ID)
		}
		seen[c.ID] = true

		if name, ok := strings.CutPrefix(c.Secret, "env:"); ok {
			c.Secret = os.Getenv(name)
		}
		if c.Secret == "" {
			return nil, fmt.Errorf("key %s: secret is required", c.ID)
		}
		if c.Tier == "" {
			c.Tier = TierFree
		}
		if _, err := LimitsFor(c.Tier); err != nil {
			return nil, fmt.Errorf("key %s: %w", c.ID, err)
		}
		creds = append(creds, c)
	}
	return creds, nil
}
