package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/pubsub"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	ServiceName    = "exchange.v1.Exchange"
	ClientIDHeader = "x-client-id"
)

type Empty struct{}

type DepthRequest struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

type OrderRequest struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

type TradesRequest struct {
	Symbol    string                 `json:"symbol"`
	OrderID   string                 `json:"order_id"`
	StartTime *timestamppb.Timestamp `json:"start_time,omitempty"`
	EndTime   *timestamppb.Timestamp `json:"end_time,omitempty"`
}

type TimeResponse struct {
	ServerTime *timestamppb.Timestamp `json:"server_time"`
}

// ExchangeServer is the service contract served under ServiceName.
type ExchangeServer interface {
	SubmitOrder(context.Context, *dto.SubmitOrderRequest) (*dto.ExecutionResponse, error)
	UpdateOrder(context.Context, *dto.UpdateOrderRequest) (*dto.ExecutionResponse, error)
	CancelOrder(context.Context, *dto.CancelOrderRequest) (*dto.ExecutionResponse, error)
	CancelAll(context.Context, *dto.CancelAllRequest) (*CancelAllResponse, error)
	GetOrder(context.Context, *OrderRequest) (*dto.Order, error)
	GetTrades(context.Context, *TradesRequest) (*dto.GetTradesResponse, error)
	GetDepth(context.Context, *DepthRequest) (*dto.DepthResponse, error)
	GetAccount(context.Context, *Empty) (*dto.AccountResponse, error)
	ServerTime(context.Context, *Empty) (*TimeResponse, error)
	StreamDepth(*DepthRequest, grpc.ServerStream) error
}

type CancelAllResponse struct {
	Results []dto.ExecutionResponse `json:"results"`
}

var _ ExchangeServer = (*GRPCServer)(nil)

type GRPCServer struct {
	ex     *core.Exchange
	hub    *pubsub.Hub
	health *health.Server
	logger *zap.Logger
}

func NewGRPCServer(ex *core.Exchange, hub *pubsub.Hub, logger *zap.Logger) *GRPCServer {
	return &GRPCServer{ex: ex, hub: hub, health: health.NewServer(), logger: logger}
}

// NewServer builds a grpc.Server with logging and the exchange and health
// services registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Shutdown flips the health status so balancers drain the node.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		return resp, err
	}
	s.logger.Debug("rpc served", fields...)
	return resp, nil
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidState):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrNotRunning):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	return status.Error(codeFor(err), err.Error())
}

func clientID(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if v := md.Get(ClientIDHeader); len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	}
	return "", status.Errorf(codes.Unauthenticated, "%s metadata required", ClientIDHeader)
}

func (s *GRPCServer) SubmitOrder(ctx context.Context, req *dto.SubmitOrderRequest) (*dto.ExecutionResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	p, err := req.Params(id)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.ex.SubmitOrder(req.Symbol, p)
	if err != nil {
		return nil, toStatus(err)
	}
	out := dto.FromResult(res)
	return &out, nil
}

func (s *GRPCServer) UpdateOrder(ctx context.Context, req *dto.UpdateOrderRequest) (*dto.ExecutionResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.ex.UpdateOrder(id, req.Symbol, req.OrderID, req.Quantity)
	if err != nil {
		return nil, toStatus(err)
	}
	out := dto.FromResult(res)
	return &out, nil
}

func (s *GRPCServer) CancelOrder(ctx context.Context, req *dto.CancelOrderRequest) (*dto.ExecutionResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.ex.CancelOrder(id, req.Symbol, req.OrderID, req.ClientOrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := dto.FromResult(res)
	return &out, nil
}

func (s *GRPCServer) CancelAll(ctx context.Context, req *dto.CancelAllRequest) (*CancelAllResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	results, err := s.ex.CancelAll(id, req.Symbol)
	if err != nil && len(results) == 0 {
		return nil, toStatus(err)
	}
	out := &CancelAllResponse{Results: make([]dto.ExecutionResponse, len(results))}
	for i, r := range results {
		out.Results[i] = dto.FromResult(r)
	}
	return out, nil
}

func (s *GRPCServer) GetOrder(ctx context.Context, req *OrderRequest) (*dto.Order, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.ex.Order(id, req.Symbol, req.OrderID, req.ClientOrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := dto.FromOrder(o)
	return &out, nil
}

func (s *GRPCServer) GetTrades(ctx context.Context, req *TradesRequest) (*dto.GetTradesResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	var from, to time.Time
	if req.StartTime != nil {
		from = req.StartTime.AsTime()
	}
	if req.EndTime != nil {
		to = req.EndTime.AsTime()
	}
	trades, err := s.ex.Trades(id, req.Symbol, req.OrderID, from, to)
	if err != nil {
		return nil, toStatus(err)
	}
	return &dto.GetTradesResponse{Trades: dto.FromTrades(trades)}, nil
}

func (s *GRPCServer) GetDepth(ctx context.Context, req *DepthRequest) (*dto.DepthResponse, error) {
	d, err := s.ex.Depth(req.Symbol, depthLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	out := dto.FromDepth(d)
	return &out, nil
}

func (s *GRPCServer) GetAccount(ctx context.Context, _ *Empty) (*dto.AccountResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	out := dto.FromBalances(id, s.ex.Balances(id))
	return &out, nil
}

func (s *GRPCServer) ServerTime(ctx context.Context, _ *Empty) (*TimeResponse, error) {
	return &TimeResponse{ServerTime: TimeToProto(time.Now())}, nil
}

// StreamDepth sends the top levels of a book now and after every change
// until the client goes away.
func (s *GRPCServer) StreamDepth(req *DepthRequest, stream grpc.ServerStream) error {
	limit := depthLimit(req.Limit)
	d, err := s.ex.Depth(req.Symbol, limit)
	if err != nil {
		return toStatus(err)
	}
	sub := s.hub.Subscribe(d.Symbol, 0)
	defer sub.Close()

	out := dto.FromDepth(d)
	if err := stream.SendMsg(&out); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			d, err := s.ex.Depth(req.Symbol, limit)
			if err != nil {
				return toStatus(err)
			}
			out := dto.FromDepth(d)
			if err := stream.SendMsg(&out); err != nil {
				return err
			}
		}
	}
}

func depthLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func TimeToProto(t time.Time) *timestamppb.Timestamp { return timestamppb.New(t) }
