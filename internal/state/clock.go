package state

import (
	"fmt"

	fpmath "RewardPool/internal/math"
)

// Clock is the epoch counter of a pool. Volume is the pool volume snapshot
// taken when the current epoch began.
type Clock struct {
	Number  uint64        `json:"number"`
	Started Moment        `json:"started"`
	Volume  fpmath.Volume `json:"volume"`
}

// ClockView is Clock as observed at Now, with the liquidity accrued since the
// epoch began.
type ClockView struct {
	Number  uint64        `json:"number"`
	Started Moment        `json:"started"`
	Volume  fpmath.Volume `json:"volume"`
	Elapsed fpmath.Volume `json:"elapsed_volume"`
	Now     Moment        `json:"now"`
}

// Epoch returns the clock at now. Pure read.
func (p *PoolState) Epoch(now Moment) (ClockView, error) {
	vol, err := p.volumeAt(now)
	if err != nil {
		return ClockView{}, err
	}
	elapsed, err := vol.CheckedSub(p.Clock.Volume)
	if err != nil {
		return ClockView{}, fmt.Errorf("pool %s epoch volume: %w", p.ID, err)
	}
	return ClockView{
		Number:  p.Clock.Number,
		Started: p.Clock.Started,
		Volume:  p.Clock.Volume,
		Elapsed: elapsed,
		Now:     now,
	}, nil
}

// BeginEpoch advances the epoch by exactly one. Only the timekeeper may do so.
func (p *PoolState) BeginEpoch(now Moment, next uint64, caller string) error {
	if caller != p.Timekeeper {
		return fmt.Errorf("%w: begin epoch on pool %s by %q", ErrUnauthorized, p.ID, caller)
	}
	if p.IsClosed() {
		return fmt.Errorf("%w: begin epoch on pool %s", ErrPoolClosed, p.ID)
	}
	if next != p.Clock.Number+1 {
		return fmt.Errorf("%w: pool %s is at epoch %d, got %d", ErrInvalidEpoch, p.ID, p.Clock.Number, next)
	}
	if _, err := p.Update(now); err != nil {
		return err
	}
	p.Clock = Clock{Number: next, Started: now, Volume: p.Volume}
	return nil
}
