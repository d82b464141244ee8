package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nghyane/codex-mux/internal/json"
	"github.com/tailscale/hujson"
)

// AccountSeed is one roster entry. The roster file is HuJSON so operators
// can keep comments and trailing commas alongside account notes.
type AccountSeed struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token"`
	PlanType string `json:"plan_type,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type rosterFile struct {
	Accounts []AccountSeed `json:"accounts"`
}

// LoadRoster reads the account roster file. Entries without an id or token
// are rejected rather than skipped: a half-written roster should fail loudly
// at startup, not quietly shrink the pool.
func LoadRoster(path string) ([]AccountSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("roster: parse %s: %w", path, err)
	}
	var file rosterFile
	if err := json.Unmarshal(standardized, &file); err != nil {
		return nil, fmt.Errorf("roster: decode %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Accounts))
	out := make([]AccountSeed, 0, len(file.Accounts))
	for i := range file.Accounts {
		seed := file.Accounts[i]
		seed.ID = strings.TrimSpace(seed.ID)
		seed.Token = strings.TrimSpace(seed.Token)
		seed.Name = strings.TrimSpace(seed.Name)
		if seed.ID == "" {
			return nil, fmt.Errorf("roster: entry %d has no id", i)
		}
		if seed.Token == "" {
			return nil, fmt.Errorf("roster: account %q has no token", seed.ID)
		}
		if _, dup := seen[seed.ID]; dup {
			return nil, fmt.Errorf("roster: duplicate account id %q", seed.ID)
		}
		seen[seed.ID] = struct{}{}
		out = append(out, seed)
	}
	return out, nil
}
