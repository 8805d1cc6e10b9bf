package agent

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/edge-orchestrator/internal/rpc"
)

// Dial connects to the orchestrator at addr. The returned connection must
// be closed by the caller.
func Dial(addr string, opts ...grpc.DialOption) (*rpc.Client, *grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to orchestrator %s: %w", addr, err)
	}
	return rpc.NewClient(conn), conn, nil
}
