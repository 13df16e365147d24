package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"RewardPool/internal/ingestion"
	fpmath "RewardPool/internal/math"
	"RewardPool/internal/observability"
	"RewardPool/internal/rewards"
	"RewardPool/internal/server"
	"RewardPool/internal/state"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type liveStub struct {
	lastMoment uint64
}

func (l *liveStub) PoolInfo(poolID string, now uint64) (*rewards.PoolInfo, error) {
	l.lastMoment = now
	if poolID != "pool-1" {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolNotFound, poolID)
	}
	return &rewards.PoolInfo{
		Pool:   &state.PoolState{ID: "pool-1", StakeToken: "STK", RewardToken: "RWD"},
		Budget: fpmath.NewAmount(500),
	}, nil
}

func (l *liveStub) UserInfo(poolID, account string, now uint64) (*rewards.UserInfo, error) {
	l.lastMoment = now
	if now < 10 {
		return nil, fmt.Errorf("%w: %d", state.ErrNoTimeTravel, now)
	}
	return &rewards.UserInfo{Pool: poolID, Account: account}, nil
}

func (l *liveStub) GetSequence() int64 { return 42 }

type submitStub struct {
	eventType string
	body      string
}

func (s *submitStub) SubmitJSON(_ context.Context, eventType string, data []byte) (*ingestion.SubmitResult, error) {
	s.eventType, s.body = eventType, string(data)
	if eventType == "Bogus" {
		return nil, fmt.Errorf("%w: unknown event type", ingestion.ErrInvalidCommand)
	}
	return &ingestion.SubmitResult{EventType: eventType, Status: ingestion.StatusAccepted, IdempotencyKey: "k"}, nil
}

func newServer(t *testing.T) (*server.GRPCServer, *liveStub, *submitStub) {
	t.Helper()
	live, sub := &liveStub{}, &submitStub{}
	svc := server.NewRewardPoolService(server.ServiceDeps{Live: live, Ingest: sub})
	return server.NewGRPCServer("", "", svc, observability.NewHealthChecker(), nil, zerolog.Nop()), live, sub
}

func dial(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.GRPC().Serve(lis)
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_GetPool(t *testing.T) {
	srv, live, _ := newServer(t)
	conn := dial(t, srv)

	moment := uint64(77)
	var out map[string]interface{}
	err := conn.Invoke(context.Background(), "/rewardpool.v1.RewardPool/GetPool",
		&server.PoolRequest{PoolID: "pool-1", Moment: &moment}, &out)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), live.lastMoment)
	assert.Equal(t, "500", out["budget"])
	assert.Equal(t, "pool-1", out["pool"].(map[string]interface{})["id"])
}

func TestGRPC_ErrorCodes(t *testing.T) {
	srv, _, _ := newServer(t)
	conn := dial(t, srv)
	ctx := context.Background()
	var out map[string]interface{}

	err := conn.Invoke(ctx, "/rewardpool.v1.RewardPool/GetPool", &server.PoolRequest{PoolID: "nope"}, &out)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, "/rewardpool.v1.RewardPool/GetPool", &server.PoolRequest{}, &out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	early := uint64(1)
	err = conn.Invoke(ctx, "/rewardpool.v1.RewardPool/GetUser",
		&server.UserRequest{PoolID: "pool-1", Account: "bob", Moment: &early}, &out)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = conn.Invoke(ctx, "/rewardpool.v1.RewardPool/ListPositions", &server.AccountRequest{Account: "bob"}, &out)
	assert.Equal(t, codes.Unavailable, status.Code(err), "projections are optional")
}

func TestGRPC_SubmitAndEventLogInfo(t *testing.T) {
	srv, _, sub := newServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	var res ingestion.SubmitResult
	err := conn.Invoke(ctx, "/rewardpool.v1.RewardPool/Submit", &server.SubmitRequest{
		EventType: "RewardClaimed",
		Command:   json.RawMessage(`{"pool_id":"pool-1","account":"bob","moment":5}`),
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusAccepted, res.Status)
	assert.Equal(t, "RewardClaimed", sub.eventType)

	var info server.EventLogInfo
	require.NoError(t, conn.Invoke(ctx, "/rewardpool.v1.RewardPool/GetEventLogInfo", &server.Empty{}, &info))
	assert.Equal(t, int64(42), info.NextCoreSequence)
	assert.Equal(t, int64(-1), info.LastPersistedSequence)
}

func TestGateway_Routes(t *testing.T) {
	srv, live, sub := newServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pools/pool-1?moment=12")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(12), live.lastMoment)
	var pool map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pool))
	assert.Equal(t, "500", pool["budget"])

	resp, err = http.Get(ts.URL + "/v1/pools/pool-1/users/bob?moment=20")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/pools/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/pools/pool-1?moment=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/commands/StakeDeposited", "application/json",
		strings.NewReader(`{"pool_id":"pool-1","account":"bob","amount":"5","moment":5}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "StakeDeposited", sub.eventType)
	assert.Contains(t, sub.body, `"amount":"5"`)

	resp, err = http.Post(ts.URL+"/v1/commands/Bogus", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_Health(t *testing.T) {
	srv, _, _ := newServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "checker starts not ready")
}
