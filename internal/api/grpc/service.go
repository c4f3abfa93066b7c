package grpc

import (
	"context"
	"encoding/json"

	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// Codec carries the dto types as JSON. Clients select it with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func unary[Req, Resp any](name string, call func(*GRPCServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*GRPCServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", (*GRPCServer).SubmitOrder),
		unary("UpdateOrder", (*GRPCServer).UpdateOrder),
		unary("CancelOrder", (*GRPCServer).CancelOrder),
		unary("CancelAll", (*GRPCServer).CancelAll),
		unary("GetOrder", (*GRPCServer).GetOrder),
		unary("GetTrades", (*GRPCServer).GetTrades),
		unary("GetDepth", (*GRPCServer).GetDepth),
		unary("GetAccount", (*GRPCServer).GetAccount),
		unary("ServerTime", (*GRPCServer).ServerTime),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamDepth",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(DepthRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*GRPCServer).StreamDepth(in, stream)
			},
		},
	},
	Metadata: "exchange/v1/exchange",
}

// Client is a thin caller for the exchange service over an existing
// connection.
type Client struct {
	cc       grpc.ClientConnInterface
	clientID string
}

func NewClient(cc grpc.ClientConnInterface, clientID string) *Client {
	return &Client{cc: cc, clientID: clientID}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.clientID != "" {
		ctx = withClientID(ctx, c.clientID)
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func withClientID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ClientIDHeader, id)
}

func (c *Client) SubmitOrder(ctx context.Context, in *dto.SubmitOrderRequest) (*dto.ExecutionResponse, error) {
	out := new(dto.ExecutionResponse)
	return out, c.invoke(ctx, "SubmitOrder", in, out)
}

func (c *Client) CancelOrder(ctx context.Context, in *dto.CancelOrderRequest) (*dto.ExecutionResponse, error) {
	out := new(dto.ExecutionResponse)
	return out, c.invoke(ctx, "CancelOrder", in, out)
}

func (c *Client) GetDepth(ctx context.Context, in *DepthRequest) (*dto.DepthResponse, error) {
	out := new(dto.DepthResponse)
	return out, c.invoke(ctx, "GetDepth", in, out)
}

func (c *Client) GetAccount(ctx context.Context) (*dto.AccountResponse, error) {
	out := new(dto.AccountResponse)
	return out, c.invoke(ctx, "GetAccount", &Empty{}, out)
}

func (c *Client) ServerTime(ctx context.Context) (*TimeResponse, error) {
	out := new(TimeResponse)
	return out, c.invoke(ctx, "ServerTime", &Empty{}, out)
}
