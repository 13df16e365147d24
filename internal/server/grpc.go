package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"time"

	"RewardPool/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway in front of
// the same service.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       RewardPoolServer
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the RewardPool, health and
// reflection services registered.
func NewGRPCServer(
	grpcAddr, httpAddr string,
	service RewardPoolServer,
	healthChecker *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: healthChecker,
		metrics:       metrics,
		logger:        logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary))
	s.grpcServer.RegisterService(&ServiceDesc, service)
	if healthChecker != nil {
		healthpb.RegisterHealthServer(s.grpcServer, healthChecker.GRPC())
	}
	// grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// GRPC exposes the underlying server, mainly for in-process listeners.
func (s *GRPCServer) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the HTTP routes. Gateway handlers call the service in
// process rather than dialling the gRPC port.
func (s *GRPCServer) Handler() http.Handler {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)

	routes := []struct {
		method, pattern, endpoint string
		call                      callFunc
	}{
		{"GET", "/v1/pools/{pool_id}", "GetPool", func(r *http.Request, p map[string]string) (interface{}, error) {
			m, err := uintParam(r, "moment")
			if err != nil {
				return nil, err
			}
			return s.service.GetPool(r.Context(), &PoolRequest{PoolID: p["pool_id"], Moment: m})
		}},
		{"GET", "/v1/pools/{pool_id}/users/{account}", "GetUser", func(r *http.Request, p map[string]string) (interface{}, error) {
			m, err := uintParam(r, "moment")
			if err != nil {
				return nil, err
			}
			return s.service.GetUser(r.Context(), &UserRequest{PoolID: p["pool_id"], Account: p["account"], Moment: m})
		}},
		{"GET", "/v1/pools/{pool_id}/projection", "GetProjectedPool", func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.service.GetProjectedPool(r.Context(), &PoolRequest{PoolID: p["pool_id"]})
		}},
		{"GET", "/v1/pools/{pool_id}/users/{account}/history", "ListRewardHistory", func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := historyRequest(r, p)
			if err != nil {
				return nil, err
			}
			return s.service.ListRewardHistory(r.Context(), req)
		}},
		{"GET", "/v1/accounts/{account}/positions", "ListPositions", func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.service.ListPositions(r.Context(), &AccountRequest{Account: p["account"]})
		}},
		{"GET", "/v1/accounts/{account}/balances/{asset}", "GetBalance", func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.service.GetBalance(r.Context(), &BalanceRequest{Account: p["account"], Asset: p["asset"]})
		}},
		{"GET", "/v1/accounts/{account}/transfers", "ListTransfers", func(r *http.Request, p map[string]string) (interface{}, error) {
			req, err := historyRequest(r, p)
			if err != nil {
				return nil, err
			}
			return s.service.ListTransfers(r.Context(), req)
		}},
		{"POST", "/v1/commands/{type}", "Submit", func(r *http.Request, p map[string]string) (interface{}, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return s.service.Submit(r.Context(), &SubmitRequest{EventType: p["type"], Command: body})
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.service.VerifyIntegrity(r.Context(), &Empty{})
		}},
		{"GET", "/v1/admin/log", "GetEventLogInfo", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.service.GetEventLogInfo(r.Context(), &Empty{})
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.gateway(mux, rt.endpoint, rt.call)); err != nil {
			// patterns are constants
			panic(fmt.Sprintf("register %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

type callFunc func(r *http.Request, pathParams map[string]string) (interface{}, error)

func (s *GRPCServer) gateway(mux *runtime.ServeMux, endpoint string, call callFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		_, outbound := runtime.MarshalerForRequest(mux, r)

		resp, err := call(r, pathParams)
		s.observe(endpoint, start, err)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}

		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *GRPCServer) observeUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(path.Base(info.FullMethod), start, err)
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	code := status.Code(err)
	if code != codes.OK && code != codes.NotFound && code != codes.InvalidArgument {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Str("code", code.String()).Msg("request failed")
	}
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
}

func uintParam(r *http.Request, name string) (*uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return &v, nil
}

func historyRequest(r *http.Request, pathParams map[string]string) (*HistoryRequest, error) {
	req := &HistoryRequest{PoolID: pathParams["pool_id"], Account: pathParams["account"]}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
		req.Limit = limit
	}
	if raw := q.Get("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before: %v", err)
		}
		req.BeforeSequence = &before
	}
	return req, nil
}
