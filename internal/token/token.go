package token

import (
	"errors"
	"fmt"
	"strings"

	fpmath "RewardPool/internal/math"
)

// Address identifies a token holder: either an end-user account or the
// custody account of a pool.
type Address string

const custodyPrefix = "custody/"

var ErrInvalidAddress = errors.New("token: invalid address")

// Account returns the address of an end-user account.
func Account(id string) Address {
	return Address(id)
}

// Custody returns the address holding a pool's staked and reward tokens.
func Custody(poolID string) Address {
	return Address(custodyPrefix + poolID)
}

// IsCustody reports whether a is a pool custody address and which pool.
func (a Address) IsCustody() (string, bool) {
	s := string(a)
	if !strings.HasPrefix(s, custodyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, custodyPrefix), true
}

// ValidateAccountID rejects ids that would collide with custody addresses.
func ValidateAccountID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidAddress)
	}
	if strings.HasPrefix(id, custodyPrefix) || strings.ContainsAny(id, "/:") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	return nil
}

// Querier answers balance questions about the token contracts a pool uses.
type Querier interface {
	BalanceOf(asset string, owner Address) (fpmath.Amount, error)
}

// Kind distinguishes a push from custody from a pull out of an owner's allowance.
type Kind uint8

const (
	KindTransfer Kind = iota
	KindTransferFrom
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindTransferFrom:
		return "transfer_from"
	default:
		return "unknown"
	}
}

// Purpose tags why a transfer was issued.
type Purpose uint8

const (
	PurposeStake Purpose = iota
	PurposeUnstake
	PurposeReward
	PurposeRefund
)

func (p Purpose) String() string {
	switch p {
	case PurposeStake:
		return "stake"
	case PurposeUnstake:
		return "unstake"
	case PurposeReward:
		return "reward"
	case PurposeRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// TransferInstruction is a token movement the caller must execute for a
// command to take effect. The engine never moves tokens itself.
type TransferInstruction struct {
	Kind    Kind          `json:"kind"`
	Purpose Purpose       `json:"purpose"`
	Asset   string        `json:"asset"`
	From    Address       `json:"from"`
	To      Address       `json:"to"`
	Amount  fpmath.Amount `json:"amount"`
}

// Transfer sends amount out of from's own balance.
func Transfer(purpose Purpose, asset string, from, to Address, amount fpmath.Amount) TransferInstruction {
	return TransferInstruction{Kind: KindTransfer, Purpose: purpose, Asset: asset, From: from, To: to, Amount: amount}
}

// TransferFrom pulls amount from owner on behalf of to.
func TransferFrom(purpose Purpose, asset string, owner, to Address, amount fpmath.Amount) TransferInstruction {
	return TransferInstruction{Kind: KindTransferFrom, Purpose: purpose, Asset: asset, From: owner, To: to, Amount: amount}
}
