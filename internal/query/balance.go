package query

// BalanceResponse is an account's projected token balance. Stake held in a
// pool's custody is not part of it; see PositionResponse.
type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`

	// Stake summed across the account's open positions in pools staking
	// this asset.
	Staked string `json:"staked"`

	AsOfSequence int64 `json:"as_of_sequence"` // last projected sequence
}
