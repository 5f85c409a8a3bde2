package transfer

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/sidkik/dirsync/pkg/errors"
)

const (
	serviceName = "dirsync.transfer.Transfer"
	callMethod  = "/" + serviceName + "/Call"
	codecName   = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets Request and Response be sent over grpc without generated
// protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

type transferServer interface {
	Call(context.Context, Request) (Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transfer",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	var req Request
	if err := dec(&req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(transferServer).Call(ctx, *req.(*Request))
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, &req)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	return interceptor(ctx, &req, info, call)
}

// Register serves the Manager's files on the grpc server.
func Register(s *grpc.Server, m *Manager) {
	s.RegisterService(&serviceDesc, m)
}

// Client sends transfer requests to a remote Manager.
type Client struct {
	conn      *grpc.ClientConn
	chunkSize int
}

// Dial connects to the transfer service at `addr`. `chunkSize` must match the
// chunk size of the remote Manager; zero selects DefaultChunkSize. Any
// options are applied after the defaults, so they can override them.
func Dial(ctx context.Context, addr string, chunkSize int, opts ...grpc.DialOption) (*Client, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.UseCompressor(gzip.Name),
			grpc.CallContentSubtype(codecName),
		),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return &Client{conn: conn, chunkSize: chunkSize}, nil
}

// ChunkSize implements ChunkSizer.
func (c *Client) ChunkSize() int {
	return c.chunkSize
}

// Call implements Endpoint. A request without an ID is assigned a random one.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	var resp Response
	if err := c.conn.Invoke(ctx, callMethod, &req, &resp); err != nil {
		return Response{}, errors.WithContext(err, "call")
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
