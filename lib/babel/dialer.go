package babel

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/meshpay/meshd/lib/resilience"
)

// Dialer opens babeld sessions on a fixed address. Repeated connection
// failures trip a circuit breaker so that callers fail fast while babeld
// is down.
type Dialer struct {
	addr    string
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewDialer creates a dialer for babeld listening on the loopback port.
func NewDialer(port uint16, cfg resilience.CircuitBreakerConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		addr:    net.JoinHostPort("::1", strconv.Itoa(int(port))),
		breaker: resilience.NewCircuitBreaker("babeld", cfg),
		logger:  logger,
	}
}

// Addr returns the babeld address.
func (d *Dialer) Addr() string {
	return d.addr
}

// Open dials babeld and completes the session handshake.
func (d *Dialer) Open(ctx context.Context) (*Client, error) {
	var client *Client
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := Dial(ctx, d.addr, d.logger)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Breaker exposes the dialer's circuit breaker.
func (d *Dialer) Breaker() *resilience.CircuitBreaker {
	return d.breaker
}
