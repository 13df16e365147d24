package ledger

import (
	"fmt"

	"RewardPool/internal/event"
	"RewardPool/internal/token"

	"github.com/google/uuid"
)

// JournalGenerator creates journal batches from commands and the transfer
// instructions the engine returns for them.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

func newBatch(sequence int64, ref string, ts int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  sequence,
		Timestamp: ts,
		Journals:  make([]Journal, 0, capacity),
	}
}

// GenerateCredit issues new tokens into an account or a pool's custody.
// Moves funds: external:issuance → user|custody
func (jg *JournalGenerator) GenerateCredit(sequence int64, evt *event.TokensCredited) (*Batch, error) {
	if evt.Amount.IsZero() {
		return nil, fmt.Errorf("credit %s: zero amount", evt.CommandID)
	}

	var to AccountKey
	switch {
	case evt.Pool != "" && evt.Account != "":
		return nil, fmt.Errorf("credit %s: both pool and account set", evt.CommandID)
	case evt.Pool != "":
		to = NewCustodyAccountKey(evt.Pool, evt.Asset)
	case evt.Account != "":
		to = NewUserAccountKey(evt.Account, evt.Asset)
	default:
		return nil, fmt.Errorf("credit %s: no recipient", evt.CommandID)
	}

	ts, err := momentSeconds(evt.At)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", evt.CommandID, err)
	}
	batch := newBatch(sequence, evt.IdempotencyKey(), ts, 1)
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      sequence,
		DebitAccount:  to,
		CreditAccount: NewExternalAccountKey(evt.Asset),
		Asset:         evt.Asset,
		Amount:        evt.Amount,
		JournalType:   JournalTypeCredit,
		Timestamp:     ts,
	})
	return batch, nil
}

// GenerateTransfers turns engine instructions into one batch. No
// instructions yields an empty batch; state-only commands still get an
// envelope.
func (jg *JournalGenerator) GenerateTransfers(
	sequence int64,
	ref string,
	moment uint64,
	instructions []token.TransferInstruction,
) (*Batch, error) {
	ts, err := momentSeconds(moment)
	if err != nil {
		return nil, fmt.Errorf("transfers %s: %w", ref, err)
	}
	batch := newBatch(sequence, ref, ts, len(instructions))

	for _, ins := range instructions {
		if ins.Amount.IsZero() {
			continue
		}
		jt, err := journalTypeFor(ins.Purpose)
		if err != nil {
			return nil, err
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batch.BatchID,
			EventRef:      ref,
			Sequence:      sequence,
			DebitAccount:  KeyForAddress(ins.To, ins.Asset),
			CreditAccount: KeyForAddress(ins.From, ins.Asset),
			Asset:         ins.Asset,
			Amount:        ins.Amount,
			JournalType:   jt,
			Timestamp:     ts,
		})
	}

	return batch, nil
}

func momentSeconds(m uint64) (int64, error) {
	if m > event.MaxMoment {
		return 0, fmt.Errorf("moment %d out of range", m)
	}
	return int64(m), nil
}

func journalTypeFor(p token.Purpose) (JournalType, error) {
	switch p {
	case token.PurposeStake:
		return JournalTypeStake, nil
	case token.PurposeUnstake:
		return JournalTypeUnstake, nil
	case token.PurposeReward:
		return JournalTypeReward, nil
	case token.PurposeRefund:
		return JournalTypeRefund, nil
	}
	return 0, fmt.Errorf("no journal type for transfer purpose %s", p)
}
