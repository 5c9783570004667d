package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DiscoveryAnnouncer periodically announces this node's presence and
// listening ports to an external discovery service, so load balancers and
// peer nodes can find it without static configuration. This is optional:
// a gateway node with discovery disabled is still fully functional, it is
// simply unreachable through the discovery path.
type DiscoveryAnnouncer struct {
	brokerID string
	ports    []int
	conn     *grpc.ClientConn
	interval time.Duration
}

// NewDiscoveryAnnouncer dials the discovery service at endpoint without
// blocking; gRPC connects lazily on first use.
func NewDiscoveryAnnouncer(endpoint string, brokerID string, ports []int) (*DiscoveryAnnouncer, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to create client: %w", err)
	}
	return &DiscoveryAnnouncer{
		brokerID: brokerID,
		ports:    ports,
		conn:     conn,
		interval: 15 * time.Second,
	}, nil
}

// Close releases the underlying gRPC connection.
func (d *DiscoveryAnnouncer) Close() error {
	return d.conn.Close()
}

// Run announces this node on a fixed interval until ctx is cancelled. The
// wire call itself is intentionally left as a placeholder invocation point:
// this gateway does not ship the discovery service's generated client, so
// callers supply announce, typically a thin wrapper around a generated
// stub's RPC call.
func (d *DiscoveryAnnouncer) Run(ctx context.Context, log *zap.Logger, announce func(ctx context.Context, conn *grpc.ClientConn, brokerID string, ports []int) error) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	doAnnounce := func() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := announce(callCtx, d.conn, d.brokerID, d.ports); err != nil && log != nil {
			log.Warn("discovery announce failed", zap.Error(err))
		}
	}

	doAnnounce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doAnnounce()
		}
	}
}
