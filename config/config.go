package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"onloan/native/lending"
)

// Policy is the risk policy file: lending parameters plus the access rules
// the daemon installs on its gate.
type Policy struct {
	Lending lending.Config `toml:"lending"`
	Access  Access         `toml:"access"`
	Pauses  Pauses         `toml:"pauses"`
}

// Access names the privileged identities as 0x-prefixed hex addresses.
type Access struct {
	Owner            string   `toml:"Owner"`
	Keepers          []string `toml:"Keepers"`
	OpenLiquidations bool     `toml:"OpenLiquidations"`
	// SeizeRecipient receives liquidated collateral; empty means the pool.
	SeizeRecipient string `toml:"SeizeRecipient"`
}

// Pauses lists the modules that start paused.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

// DefaultPolicy returns the stock lending parameters with no owner set.
func DefaultPolicy() *Policy {
	return &Policy{
		Lending: lending.DefaultConfig(),
		Access:  Access{Keepers: []string{}},
	}
}

// LoadPolicy loads the policy from path, writing the default policy there
// when the file does not exist yet.
func LoadPolicy(path string) (*Policy, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	policy := &Policy{}
	meta, err := toml.DecodeFile(path, policy)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("policy file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	policy.Lending.EnsureDefaults()
	if policy.Access.Keepers == nil {
		policy.Access.Keepers = []string{}
	}
	if err := ValidatePolicy(policy); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, nil
}

// createDefault creates and saves a default policy file.
func createDefault(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if err := persist(path, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func persist(path string, policy *Policy) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(policy)
}
