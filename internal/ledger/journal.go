package ledger

import (
	"fmt"

	fpmath "RewardPool/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCredit JournalType = iota
	JournalTypeStake
	JournalTypeUnstake
	JournalTypeReward
	JournalTypeRefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeCredit:
		return "credit"
	case JournalTypeStake:
		return "stake"
	case JournalTypeUnstake:
		return "unstake"
	case JournalTypeReward:
		return "reward"
	case JournalTypeRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID     // Unique identifier
	BatchID       uuid.UUID     // Groups entries of one command
	EventRef      string        // Idempotency key of source command
	Sequence      int64         // Global event sequence
	DebitAccount  AccountKey    // Account receiving debit (balance increases)
	CreditAccount AccountKey    // Account receiving credit (balance decreases)
	Asset         string        // Asset being transferred
	Amount        fpmath.Amount // Always positive
	JournalType   JournalType
	Timestamp     int64 // Command moment, seconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount between two accounts of the same asset, so every entry balances on
// its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
		if j.DebitAccount.Scope == AccountScopeExternal {
			return fmt.Errorf("journal %s debits the issuance boundary", j.JournalID)
		}
	}

	return nil
}
