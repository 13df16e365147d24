package query

// PoolResponse is a pool as last projected.
type PoolResponse struct {
	PoolID         string  `json:"pool_id"`
	Admin          string  `json:"admin"`
	Timekeeper     string  `json:"timekeeper"`
	StakeToken     string  `json:"stake_token"`
	RewardToken    string  `json:"reward_token"`
	Launched       int64   `json:"launched"`
	BondingDefault int64   `json:"bonding_default"`
	BondingPolicy  string  `json:"bonding_policy"`
	Staked         string  `json:"staked"`
	Volume         string  `json:"volume"`
	Claimed        string  `json:"claimed"`
	LastUpdate     int64   `json:"last_update"`
	Epoch          int64   `json:"epoch"`
	Closed         bool    `json:"closed"`
	ClosedAt       *int64  `json:"closed_at,omitempty"`
	ClosureReason  *string `json:"closure_reason,omitempty"`
	ClosureStaked  *string `json:"closure_staked,omitempty"`
	LastSequence   int64   `json:"last_sequence"`
	AsOfSequence   int64   `json:"as_of_sequence"`
}

// PositionResponse is one account's stake in one pool.
type PositionResponse struct {
	PoolID           string `json:"pool_id"`
	Account          string `json:"account"`
	Staked           string `json:"staked"`
	Volume           string `json:"volume"`
	Claimed          string `json:"claimed"`
	LastUpdate       int64  `json:"last_update"`
	BondingRemaining int64  `json:"bonding_remaining"`
	FirstStaked      int64  `json:"first_staked"`
	LastSequence     int64  `json:"last_sequence"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// RewardHistoryEntry is a deposit, withdrawal, claim or refund.
type RewardHistoryEntry struct {
	Sequence  int64  `json:"sequence"`
	PoolID    string `json:"pool_id"`
	Account   string `json:"account"`
	Action    string `json:"action"`
	Principal string `json:"principal"`
	Reward    string `json:"reward"`
	Timestamp int64  `json:"timestamp"`
}

// TransferHistoryEntry is a journal touching an account.
type TransferHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
