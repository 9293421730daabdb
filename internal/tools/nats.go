package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher delivers outbound messages for send_message.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes on core NATS and flushes so a failed delivery
// surfaces as a tool error instead of vanishing.
type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS dials url and returns a publisher.
func ConnectNATS(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tool-gate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("nats connected", zap.String("url", url))
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	// FlushWithContext refuses contexts without a deadline.
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = p.nc.FlushWithContext(ctx)
	} else {
		err = p.nc.FlushTimeout(5 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
