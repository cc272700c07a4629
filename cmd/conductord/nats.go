package main

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/config"
)

// natsConn is a client connection plus the embedded server behind it, if
// any.
type natsConn struct {
	*nats.Conn
	embedded *natsserver.Server
}

// Close drains the connection and stops the embedded server.
func (c *natsConn) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
	}
}

// connectNATS dials cfg.URL, or starts an in-process server first when
// cfg.Embedded is set.
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*natsConn, error) {
	out := &natsConn{}
	url := cfg.URL

	if cfg.Embedded {
		port := cfg.EmbeddedPort
		if port == 0 {
			port = -1
		}
		srv, err := natsserver.NewServer(&natsserver.Options{
			ServerName:    "conductord",
			Host:          "127.0.0.1",
			Port:          port,
			NoLog:         true,
			NoSigs:        true,
			Authorization: cfg.Token.Value(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready")
		}
		out.embedded = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", url))
	}

	opts := []nats.Option{
		nats.Name("conductord"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(natsErrorHandler(logger)),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	out.Conn = nc
	logger.Info("connected to NATS", zap.String("url", url))
	return out, nil
}

// natsErrorHandler logs asynchronous client errors, most often a slow
// consumer dropping messages.
func natsErrorHandler(logger *zap.Logger) nats.ErrHandler {
	return func(_ *nats.Conn, sub *nats.Subscription, err error) {
		fields := []zap.Field{zap.Error(err)}
		if sub != nil {
			fields = append(fields, zap.String("subject", sub.Subject))
			if dropped, derr := sub.Dropped(); derr == nil {
				fields = append(fields, zap.Int("dropped", dropped))
			}
		}
		if errors.Is(err, nats.ErrSlowConsumer) {
			logger.Warn("NATS slow consumer", fields...)
			return
		}
		logger.Error("NATS async error", fields...)
	}
}
