package ledger

import (
	"fmt"
	"strings"

	"RewardPool/internal/token"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeCustody
	// External is the issuance boundary. Tokens enter the ledger from here
	// when they are credited; its "balance" is the issued supply.
	AccountScopeExternal
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope AccountScope
	Owner string // account id, or pool id for custody
	Asset string
}

// NewUserAccountKey creates a key for an end-user account
func NewUserAccountKey(account, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: account, Asset: asset}
}

// NewCustodyAccountKey creates a key for the tokens a pool holds
func NewCustodyAccountKey(poolID, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeCustody, Owner: poolID, Asset: asset}
}

// NewExternalAccountKey creates the issuance boundary key for an asset
func NewExternalAccountKey(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Asset: asset}
}

// KeyForAddress maps a token address onto its ledger account
func KeyForAddress(addr token.Address, asset string) AccountKey {
	if poolID, ok := addr.IsCustody(); ok {
		return NewCustodyAccountKey(poolID, asset)
	}
	return NewUserAccountKey(string(addr), asset)
}

// Address is the inverse of KeyForAddress. External keys have no address.
func (k AccountKey) Address() token.Address {
	switch k.Scope {
	case AccountScopeCustody:
		return token.Custody(k.Owner)
	case AccountScopeUser:
		return token.Account(k.Owner)
	}
	return ""
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.Asset)
	case AccountScopeCustody:
		return fmt.Sprintf("custody:%s:%s", k.Owner, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:issuance:%s", k.Asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	scope, rest, ok := strings.Cut(path, ":")
	last := strings.LastIndex(rest, ":")
	if !ok || last < 0 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	owner, asset := rest[:last], rest[last+1:]
	switch scope {
	case "user":
		return NewUserAccountKey(owner, asset), nil
	case "custody":
		return NewCustodyAccountKey(owner, asset), nil
	case "external":
		return NewExternalAccountKey(asset), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
}
