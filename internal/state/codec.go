package state

import (
	"encoding/json"
	"fmt"
)

const (
	poolPrefix = "pool/"
	userPrefix = "user/"
)

// PoolKey is the store key of a pool record.
func PoolKey(poolID string) []byte {
	return []byte(poolPrefix + poolID)
}

// UserKey is the store key of one account's record in a pool.
func UserKey(poolID, account string) []byte {
	return []byte(userPrefix + poolID + "/" + account)
}

// UserPrefix scans every account record of a pool.
func UserPrefix(poolID string) []byte {
	return []byte(userPrefix + poolID + "/")
}

// PoolsPrefix scans every pool record.
func PoolsPrefix() []byte {
	return []byte(poolPrefix)
}

func EncodePool(p *PoolState) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pool %s: %w", p.ID, err)
	}
	return data, nil
}

func DecodePool(data []byte) (*PoolState, error) {
	var p PoolState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pool: %w", err)
	}
	return &p, nil
}

func EncodeUser(u *UserState) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode account %s: %w", u.Account, err)
	}
	return data, nil
}

func DecodeUser(data []byte) (*UserState, error) {
	var u UserState
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &u, nil
}
