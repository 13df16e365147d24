package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/event"
	"RewardPool/internal/ingestion"
)

const commandID = "550e8400-e29b-41d4-a716-446655440000"

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePoolCreated(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      commandID,
		"pool_id":         "pool-1",
		"admin":           "alice",
		"timekeeper":      "keeper",
		"stake_token":     "STK",
		"reward_token":    "RWD",
		"bonding_seconds": 3600,
		"bonding_policy":  "forfeit",
		"moment":          100,
		"sequence":        7,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PoolCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pc, ok := evt.(*event.PoolCreated)
	if !ok {
		t.Fatalf("expected *event.PoolCreated, got %T", evt)
	}
	if pc.Pool != "pool-1" || pc.Admin != "alice" || pc.Timekeeper != "keeper" {
		t.Errorf("identity fields: got %+v", pc)
	}
	if pc.StakeToken != "STK" || pc.RewardToken != "RWD" {
		t.Errorf("tokens: got %s/%s", pc.StakeToken, pc.RewardToken)
	}
	if pc.BondingSeconds != 3600 || pc.BondingPolicy != "forfeit" {
		t.Errorf("bonding: got %d %q", pc.BondingSeconds, pc.BondingPolicy)
	}
	if pc.Moment() != 100 {
		t.Errorf("moment: got %d, want 100", pc.Moment())
	}
	if pc.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", pc.SourceSequence())
	}
	if pc.IdempotencyKey() != commandID {
		t.Errorf("idempotency key: got %s", pc.IdempotencyKey())
	}
}

func TestParseStakeDeposited(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"pool_id":    "pool-1",
		"account":    "bob",
		"amount":     "340282366920938463463374607431768211455",
		"moment":     42,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StakeDeposited")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sd, ok := evt.(*event.StakeDeposited)
	if !ok {
		t.Fatalf("expected *event.StakeDeposited, got %T", evt)
	}
	if sd.Amount.String() != "340282366920938463463374607431768211455" {
		t.Errorf("amount: got %s", sd.Amount)
	}
	if sd.SourceSequence() != event.Unsequenced {
		t.Errorf("missing sequence should be unsequenced, got %d", sd.SourceSequence())
	}
	if sd.EventType() != event.EventTypeStakeDeposited {
		t.Errorf("event type: got %v", sd.EventType())
	}
}

func TestParseStakeWithdrawn_ZeroAmountPassesThrough(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"pool_id":    "pool-1",
		"account":    "bob",
		"amount":     "0",
		"moment":     42,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StakeWithdrawn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !evt.(*event.StakeWithdrawn).Amount.IsZero() {
		t.Error("amount should be zero")
	}
}

func TestParseRewardClaimed(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id": "pool-1",
		"account": "bob",
		"moment":  50,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "RewardClaimed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rc := evt.(*event.RewardClaimed)
	if rc.IdempotencyKey() == "" {
		t.Error("missing command_id should be generated")
	}
	if rc.Account != "bob" {
		t.Errorf("account: got %s", rc.Account)
	}
}

func TestParseTokensCredited(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"asset":      "RWD",
		"pool_id":    "pool-1",
		"amount":     "1000",
		"moment":     1,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokensCredited")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tc := evt.(*event.TokensCredited)
	if tc.Pool != "pool-1" || tc.Account != "" {
		t.Errorf("target: got pool=%q account=%q", tc.Pool, tc.Account)
	}
	if tc.Amount.String() != "1000" {
		t.Errorf("amount: got %s", tc.Amount)
	}
}

func TestParseTokensCredited_RejectsBadTargets(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"both targets": {"asset": "RWD", "pool_id": "p", "account": "a", "amount": "1", "moment": 1},
		"no target":    {"asset": "RWD", "amount": "1", "moment": 1},
		"zero amount":  {"asset": "RWD", "account": "a", "amount": "0", "moment": 1},
		"no asset":     {"account": "a", "amount": "1", "moment": 1},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokensCredited")
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Fatalf("expected ErrInvalidCommand, got %v", err)
			}
		})
	}
}

func TestParsePoolConfigured(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id":         "pool-1",
		"caller":          "alice",
		"bonding_seconds": 0,
		"moment":          5,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PoolConfigured")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pc := evt.(*event.PoolConfigured)
	if pc.BondingSeconds == nil || *pc.BondingSeconds != 0 {
		t.Errorf("explicit zero bonding should be kept, got %v", pc.BondingSeconds)
	}
	if pc.BondingPolicy != nil || pc.Timekeeper != nil {
		t.Error("absent fields should stay nil")
	}
}

func TestParsePoolConfigured_NoChange_Fails(t *testing.T) {
	payload := map[string]interface{}{"pool_id": "pool-1", "caller": "alice", "moment": 5}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PoolConfigured")
	if !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestParsePoolClosedAndEpochBegun(t *testing.T) {
	closed, err := ingestion.ParseCommand("PoolClosed",
		[]byte(`{"pool_id":"pool-1","caller":"alice","reason":"migration","moment":9}`))
	if err != nil {
		t.Fatalf("parse PoolClosed: %v", err)
	}
	if closed.(*event.PoolClosed).Reason != "migration" {
		t.Errorf("reason: got %q", closed.(*event.PoolClosed).Reason)
	}

	epoch, err := ingestion.ParseCommand("EpochBegun",
		[]byte(`{"pool_id":"pool-1","caller":"keeper","epoch":3,"moment":9}`))
	if err != nil {
		t.Fatalf("parse EpochBegun: %v", err)
	}
	if epoch.(*event.EpochBegun).Epoch != 3 {
		t.Errorf("epoch: got %d", epoch.(*event.EpochBegun).Epoch)
	}

	_, err = ingestion.ParseCommand("EpochBegun",
		[]byte(`{"pool_id":"pool-1","caller":"keeper","moment":9}`))
	if !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Errorf("missing epoch should fail, got %v", err)
	}
}

func TestParseMissingMoment_Fails(t *testing.T) {
	_, err := ingestion.ParseCommand("RewardClaimed", []byte(`{"pool_id":"p","account":"a"}`))
	if !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestParseNegativeSequence_Fails(t *testing.T) {
	_, err := ingestion.ParseCommand("RewardClaimed", []byte(`{"pool_id":"p","account":"a","moment":1,"sequence":-4}`))
	if !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestParseMomentBound(t *testing.T) {
	evt, err := ingestion.ParseCommand("RewardClaimed", []byte(`{"pool_id":"p","account":"a","moment":253402300799}`))
	if err != nil {
		t.Fatalf("last second of year 9999 should parse: %v", err)
	}
	if evt.Moment() != event.MaxMoment {
		t.Errorf("moment: got %d", evt.Moment())
	}

	for _, moment := range []string{"253402300800", "9223372036854775808", "18446744073709551615"} {
		_, err := ingestion.ParseCommand("RewardClaimed", []byte(`{"pool_id":"p","account":"a","moment":`+moment+`}`))
		if !errors.Is(err, ingestion.ErrInvalidCommand) {
			t.Errorf("moment %s: expected ErrInvalidCommand, got %v", moment, err)
		}
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "StakeDeposited")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": "not-a-uuid",
		"pool_id":    "pool-1",
		"account":    "bob",
		"amount":     "1",
		"moment":     1,
	}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StakeDeposited")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	for _, amount := range []string{"-1", "1.5", "abc", "340282366920938463463374607431768211456"} {
		payload := map[string]interface{}{
			"pool_id": "pool-1",
			"account": "bob",
			"amount":  amount,
			"moment":  1,
		}
		if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StakeDeposited"); err == nil {
			t.Errorf("amount %q should fail", amount)
		}
	}
}

func TestSubjectResolver(t *testing.T) {
	r := ingestion.NewSubjectResolver(ingestion.DefaultSubjects())

	cases := map[string]string{
		"rewards.stake.deposit.pool-1":   "StakeDeposited",
		"rewards.stake.withdraw.pool-1":  "StakeWithdrawn",
		"rewards.stake.claim.pool-1.bob": "RewardClaimed",
		"rewards.pools.epoch.pool-1":     "EpochBegun",
		"rewards.tokens.credit.RWD":      "TokensCredited",
		"rewards.unknown.thing":          "",
	}
	for subject, want := range cases {
		if got := r.Resolve(subject); got != want {
			t.Errorf("Resolve(%q): got %q, want %q", subject, got, want)
		}
	}
}

func TestPublishableEvent_Subject(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: commandID,
		EventType:      event.EventTypeStakeDeposited,
		PoolID:         "pool.1 *",
		Timestamp:      time.Unix(100, 0).UTC(),
		Result:         []byte(`{"action":"deposited"}`),
	}
	env.StateHash[0] = 0xab

	pe := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: env})
	if pe.Subject() != "rewards.ledger.events.StakeDeposited.pool_1__" {
		t.Errorf("subject: got %s", pe.Subject())
	}
	if pe.StateHash[:2] != "ab" || len(pe.StateHash) != 64 {
		t.Errorf("state hash: got %s", pe.StateHash)
	}

	data, err := json.Marshal(pe)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["rejection"]; ok {
		t.Error("applied event should omit rejection")
	}
	if result, ok := decoded["result"].(map[string]interface{}); !ok || result["action"] != "deposited" {
		t.Errorf("result should be embedded as JSON, got %v", decoded["result"])
	}

	global := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: &event.EventEnvelope{
		EventType: event.EventTypeTokensCredited,
	}})
	if global.Subject() != "rewards.ledger.events.TokensCredited" {
		t.Errorf("global subject: got %s", global.Subject())
	}
}
