package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidatePolicy checks the lending parameters and every configured address.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("policy: nil")
	}
	if err := p.Lending.Validate(); err != nil {
		return err
	}
	if owner := strings.TrimSpace(p.Access.Owner); owner != "" && !common.IsHexAddress(owner) {
		return fmt.Errorf("access: invalid Owner %q", owner)
	}
	for _, keeper := range p.Access.Keepers {
		if !common.IsHexAddress(strings.TrimSpace(keeper)) {
			return fmt.Errorf("access: invalid keeper %q", keeper)
		}
	}
	if r := strings.TrimSpace(p.Access.SeizeRecipient); r != "" && !common.IsHexAddress(r) {
		return fmt.Errorf("access: invalid SeizeRecipient %q", r)
	}
	return nil
}

// OwnerAddress returns the configured owner; the zero address when unset.
func (a Access) OwnerAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(a.Owner))
}

// KeeperAddresses returns the keeper set.
func (a Access) KeeperAddresses() []common.Address {
	out := make([]common.Address, 0, len(a.Keepers))
	for _, k := range a.Keepers {
		out = append(out, common.HexToAddress(strings.TrimSpace(k)))
	}
	return out
}

// SeizeRecipientAddress returns the configured recipient and whether one
// was set.
func (a Access) SeizeRecipientAddress() (common.Address, bool) {
	trimmed := strings.TrimSpace(a.SeizeRecipient)
	if trimmed == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}
