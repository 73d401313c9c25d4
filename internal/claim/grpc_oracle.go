// SPDX-License-Identifier: GPL-2.0-only

package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCOracle asks an external privileged claim helper whether a device is
// claimed, keying the health-check service name on the device identity and
// treating SERVING as claimed. It reuses the teacher's insecure local-socket
// dial pattern (deviceplugin/kubelet.go's kubeletClient) since the claim
// helper, like kubelet's device-plugin registration socket, is a trusted
// local peer rather than a network service.
type GRPCOracle struct {
	conn    *grpc.ClientConn
	client  grpc_health_v1.HealthClient
	logger  log.Logger
	timeout time.Duration
}

// NewGRPCOracle dials target (e.g. "unix:///run/usbip-claim-helper.sock",
// per SPEC_FULL.md §8's claim.grpc_target) and returns an oracle backed by
// that connection. logger may be nil.
func NewGRPCOracle(target string, logger log.Logger) (*GRPCOracle, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial claim helper %s: %w", target, err)
	}
	return &GRPCOracle{
		conn:    conn,
		client:  grpc_health_v1.NewHealthClient(conn),
		logger:  logger,
		timeout: 2 * time.Second,
	}, nil
}

// IsClaimed queries the claim helper's health-check service named after
// deviceIdentity. Any RPC failure is treated as not-claimed: C5's Open
// already fails closed on a false answer, and a helper that cannot be
// reached must not be treated as having silently claimed every device.
func (o *GRPCOracle) IsClaimed(deviceIdentity string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	resp, err := o.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: deviceIdentity})
	if err != nil {
		_ = level.Warn(o.logger).Log("msg", "claim helper health check failed; treating as unclaimed", "device", deviceIdentity, "err", err)
		return false
	}
	return resp.Status == grpc_health_v1.HealthCheckResponse_SERVING
}

// Close releases the underlying gRPC connection.
func (o *GRPCOracle) Close() error {
	return o.conn.Close()
}
