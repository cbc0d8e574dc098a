package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/moduleplane/moduleplane/internal/models"
)

// probeEndpoint issues a GET against the target and passes on any 2xx.
func (c *Checker) probeEndpoint(ctx context.Context, spec *models.HealthCheckSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Target, nil)
	if err != nil {
		return fmt.Errorf("endpoint probe %s: %w", spec.ID, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint probe %s: %w", spec.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint probe %s: status %d", spec.ID, resp.StatusCode)
	}
	return nil
}

// pingDatabase opens a pooled connection and pings it. Connect already
// pings, so a nil error means the database answers.
func pingDatabase(ctx context.Context, driver, dsn string) error {
	if driver == "" {
		return fmt.Errorf("database probe requires a driver")
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return fmt.Errorf("database probe (%s): %w", driver, err)
	}
	return db.Close()
}

// grpcServiceCheck asks the standard gRPC health service for the serving
// status of the named service ("" checks the server as a whole).
func grpcServiceCheck(ctx context.Context, target, service string) error {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("service probe %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("service probe %s: %w", target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service probe %s: status %s", target, resp.GetStatus())
	}
	return nil
}
