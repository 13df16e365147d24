package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"RewardPool/internal/ingestion"
	"RewardPool/internal/observability"
	"RewardPool/internal/query"
	"RewardPool/internal/rewards"
	"RewardPool/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Messages ---

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Command   json.RawMessage `json:"command"`
}

// PoolRequest addresses a pool. Moment defaults to the wall clock.
type PoolRequest struct {
	PoolID string  `json:"pool_id"`
	Moment *uint64 `json:"moment,omitempty"`
}

type UserRequest struct {
	PoolID  string  `json:"pool_id"`
	Account string  `json:"account"`
	Moment  *uint64 `json:"moment,omitempty"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type BalanceRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

// HistoryRequest pages backwards from BeforeSequence, newest first.
type HistoryRequest struct {
	PoolID         string `json:"pool_id,omitempty"`
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type Empty struct{}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type RewardHistoryResponse struct {
	Entries []query.RewardHistoryEntry `json:"entries"`
}

type TransferHistoryResponse struct {
	Transfers []query.TransferHistoryEntry `json:"transfers"`
}

type EventLogInfo struct {
	LastPersistedSequence int64 `json:"last_persisted_sequence"`
	NextCoreSequence      int64 `json:"next_core_sequence"`
}

// --- Service ---

// RewardPoolServer is the rewardpool.v1.RewardPool service.
type RewardPoolServer interface {
	Submit(context.Context, *SubmitRequest) (*ingestion.SubmitResult, error)
	GetPool(context.Context, *PoolRequest) (*rewards.PoolInfo, error)
	GetUser(context.Context, *UserRequest) (*rewards.UserInfo, error)
	GetProjectedPool(context.Context, *PoolRequest) (*query.PoolResponse, error)
	ListPositions(context.Context, *AccountRequest) (*PositionsResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	ListRewardHistory(context.Context, *HistoryRequest) (*RewardHistoryResponse, error)
	ListTransfers(context.Context, *HistoryRequest) (*TransferHistoryResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfo, error)
}

// LiveState answers reads from the core's current state.
// core.DeterministicCore satisfies it.
type LiveState interface {
	PoolInfo(poolID string, now uint64) (*rewards.PoolInfo, error)
	UserInfo(poolID, account string, now uint64) (*rewards.UserInfo, error)
	GetSequence() int64
}

// Submitter hands commands to the core loop.
type Submitter interface {
	SubmitJSON(ctx context.Context, eventType string, data []byte) (*ingestion.SubmitResult, error)
}

// SequenceSource reports the last persisted sequence.
type SequenceSource interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// ServiceDeps holds what the service reads from. Query and Log may be nil
// when Postgres is not configured; their methods then fail Unavailable.
type ServiceDeps struct {
	Live   LiveState
	Ingest Submitter
	Query  *query.QueryService
	Log    SequenceSource
	Now    func() time.Time
}

type rewardPoolService struct {
	deps ServiceDeps
}

func NewRewardPoolService(deps ServiceDeps) RewardPoolServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &rewardPoolService{deps: deps}
}

func (s *rewardPoolService) moment(m *uint64) uint64 {
	if m != nil {
		return *m
	}
	return uint64(s.deps.Now().Unix())
}

func (s *rewardPoolService) Submit(ctx context.Context, req *SubmitRequest) (*ingestion.SubmitResult, error) {
	if req.EventType == "" || len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event_type and command are required")
	}
	res, err := s.deps.Ingest.SubmitJSON(ctx, req.EventType, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *rewardPoolService) GetPool(_ context.Context, req *PoolRequest) (*rewards.PoolInfo, error) {
	if req.PoolID == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id is required")
	}
	info, err := s.deps.Live.PoolInfo(req.PoolID, s.moment(req.Moment))
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *rewardPoolService) GetUser(_ context.Context, req *UserRequest) (*rewards.UserInfo, error) {
	if req.PoolID == "" || req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id and account are required")
	}
	info, err := s.deps.Live.UserInfo(req.PoolID, req.Account, s.moment(req.Moment))
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *rewardPoolService) GetProjectedPool(ctx context.Context, req *PoolRequest) (*query.PoolResponse, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	if req.PoolID == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id is required")
	}
	pool, err := s.deps.Query.GetPool(ctx, req.PoolID)
	if err != nil {
		return nil, toStatus(err)
	}
	return pool, nil
}

func (s *rewardPoolService) ListPositions(ctx context.Context, req *AccountRequest) (*PositionsResponse, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	positions, err := s.deps.Query.GetPositions(ctx, req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (s *rewardPoolService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	if req.Account == "" || req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "account and asset are required")
	}
	bal, err := s.deps.Query.GetBalance(ctx, req.Account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *rewardPoolService) ListRewardHistory(ctx context.Context, req *HistoryRequest) (*RewardHistoryResponse, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	if req.PoolID == "" || req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id and account are required")
	}
	entries, err := s.deps.Query.GetRewardHistory(ctx, req.PoolID, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RewardHistoryResponse{Entries: entries}, nil
}

func (s *rewardPoolService) ListTransfers(ctx context.Context, req *HistoryRequest) (*TransferHistoryResponse, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	transfers, err := s.deps.Query.GetTransferHistory(ctx, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TransferHistoryResponse{Transfers: transfers}, nil
}

func (s *rewardPoolService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.Query == nil {
		return nil, errNoProjections
	}
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *rewardPoolService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	info := &EventLogInfo{LastPersistedSequence: -1, NextCoreSequence: s.deps.Live.GetSequence()}
	if s.deps.Log != nil {
		seq, err := s.deps.Log.GetLatestSequence(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		info.LastPersistedSequence = seq
	}
	return info, nil
}

var errNoProjections = status.Error(codes.Unavailable, "projections are not configured")

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, state.ErrPoolNotFound), errors.Is(err, state.ErrUnknownAccount), errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, state.ErrNoTimeTravel):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// --- Service descriptor ---

// unary builds a method descriptor the way protoc-gen-go-grpc does, with
// the request type supplied by the type parameter.
func unary[Req, Resp any](name string, call func(RewardPoolServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + observability.ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RewardPoolServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RewardPoolServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes rewardpool.v1.RewardPool for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: observability.ServiceName,
	HandlerType: (*RewardPoolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", RewardPoolServer.Submit),
		unary("GetPool", RewardPoolServer.GetPool),
		unary("GetUser", RewardPoolServer.GetUser),
		unary("GetProjectedPool", RewardPoolServer.GetProjectedPool),
		unary("ListPositions", RewardPoolServer.ListPositions),
		unary("GetBalance", RewardPoolServer.GetBalance),
		unary("ListRewardHistory", RewardPoolServer.ListRewardHistory),
		unary("ListTransfers", RewardPoolServer.ListTransfers),
		unary("VerifyIntegrity", RewardPoolServer.VerifyIntegrity),
		unary("GetEventLogInfo", RewardPoolServer.GetEventLogInfo),
	},
	Streams: []grpc.StreamDesc{},
}
