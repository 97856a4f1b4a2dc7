package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// External sub-types (contra accounts, increase on credit)
	SubTypeExternalCustody
	SubTypeExternalSupply
)

// AccountKey is the in-memory key for balance tracking. Comparable, so it
// can be used directly as a map key.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for external accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Asset:    asset,
	}
}

// CollateralAccount is user:<id>:collateral:<asset>.
func CollateralAccount(userID uuid.UUID, asset string) AccountKey {
	return NewUserAccountKey(userID, SubTypeCollateral, asset)
}

// DebtAccount is user:<id>:debt:<synthetic>.
func DebtAccount(userID uuid.UUID, synthetic string) AccountKey {
	return NewUserAccountKey(userID, SubTypeDebt, synthetic)
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// CustodyAccount is external:custody:<asset>, the engine's holdings of a
// collateral asset.
func CustodyAccount(asset string) AccountKey {
	return NewExternalAccountKey(SubTypeExternalCustody, asset)
}

// SupplyAccount is external:supply:<synthetic>, the outstanding synthetic debt.
func SupplyAccount(synthetic string) AccountKey {
	return NewExternalAccountKey(SubTypeExternalSupply, synthetic)
}

// IsInternal reports whether the account increases on debit.
func (k AccountKey) IsInternal() bool {
	return k.Scope != AccountScopeExternal
}

// UserID returns the owning user for user-scoped keys.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeExternalCustody:
		return "custody"
	case SubTypeExternalSupply:
		return "supply"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring
// balances from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	subTypes := map[string]AccountSubType{
		"collateral": SubTypeCollateral,
		"debt":       SubTypeDebt,
		"custody":    SubTypeExternalCustody,
		"supply":     SubTypeExternalSupply,
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		st, ok := subTypes[parts[2]]
		if !ok || (st != SubTypeCollateral && st != SubTypeDebt) {
			return AccountKey{}, fmt.Errorf("account path %q: unknown user sub-type", path)
		}
		return NewUserAccountKey(uid, st, parts[3]), nil
	case len(parts) == 3 && parts[0] == "external":
		st, ok := subTypes[parts[1]]
		if !ok || (st != SubTypeExternalCustody && st != SubTypeExternalSupply) {
			return AccountKey{}, fmt.Errorf("account path %q: unknown external sub-type", path)
		}
		return NewExternalAccountKey(st, parts[2]), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: malformed", path)
}
