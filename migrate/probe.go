package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"posdesk/host"
)

var (
	ErrInvalidDescriptor = host.NewKindError("invalid_descriptor", "invalid connection descriptor")
	ErrUnreachable       = host.NewKindError("unreachable", "database unreachable")
)

// ProbeResult describes a reachable database
type ProbeResult struct {
	Host          string `json:"host" yaml:"host"`
	Port          uint16 `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	User          string `json:"user" yaml:"user"`
	ServerVersion string `json:"server_version" yaml:"server_version"`
	LatencyMS     int64  `json:"latency_ms" yaml:"latency_ms"`
}

// Probe connects to the PostgreSQL instance named by descriptor and pings
// it. It is a diagnostic only; Run never calls it.
func Probe(ctx context.Context, descriptor string, timeout time.Duration) (*ProbeResult, error) {
	cfg, err := pgx.ParseConfig(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if timeout > 0 {
		cfg.ConnectTimeout = timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrUnreachable, cfg.Host, cfg.Port, err)
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping: %w", ErrUnreachable, err)
	}

	return &ProbeResult{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Database:      cfg.Database,
		User:          cfg.User,
		ServerVersion: conn.PgConn().ParameterStatus("server_version"),
		LatencyMS:     time.Since(start).Milliseconds(),
	}, nil
}
