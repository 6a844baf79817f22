// Command wsecho runs WebSocket echo server or a client which sends lines
// from stdin and pings the server periodically.
package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/ws"
	"github.com/relaymesh/ws/wsutil"
)

func main() {
	log.SetFlags(0)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Mode {
	case modeServer:
		err = runServer(cfg, logger, sig)
	case modeClient:
		err = runClient(cfg, logger, sig)
	}
	if err != nil {
		logger.Fatal("wsecho failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(cfg config, logger *zap.Logger, sig <-chan os.Signal) error {
	srv := &wsutil.Server{
		Addr:             cfg.Listen,
		HandshakeTimeout: cfg.handshakeTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		Logger:           logger,
		OnMessage: func(c *wsutil.Conn, m wsutil.Message) {
			if err := c.Send(m.Payload, m.OpCode, cfg.FragmentSize); err != nil {
				logger.Warn("echo failed", zap.String("conn", c.ID()), zap.Error(err))
			}
		},
		OnOpen: func(c *wsutil.Conn, _ error) {
			hs := c.Handshake()
			logger.Info("connection open",
				zap.String("conn", c.ID()),
				zap.Stringer("remote", c.Addresses().Remote),
				zap.String("resource", hs.RequestURI),
				zap.String("protocol", hs.Protocol),
				zap.String("user_agent", hs.UserAgent),
			)
		},
		OnClose: func(c *wsutil.Conn, err error) {
			logger.Info("connection closed", zap.String("conn", c.ID()), zap.Error(err))
		},
	}

	serve := make(chan error, 1)
	go func() { serve <- srv.ListenAndServe() }()

	select {
	case err := <-serve:
		return err
	case s := <-sig:
		logger.Info("signal received; shutting down", zap.Stringer("signal", s))
		if err := srv.Close(); err != nil {
			return err
		}
		if err := <-serve; err != wsutil.ErrServerClosed {
			return err
		}
		return nil
	}
}

func runClient(cfg config, logger *zap.Logger, sig <-chan os.Signal) error {
	dc := wsutil.DialConfig{
		Dialer: ws.Dialer{
			Protocol: cfg.Protocol,
		},
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
		OnMessage: func(c *wsutil.Conn, m wsutil.Message) {
			logger.Info("message",
				zap.Stringer("opcode", m.OpCode),
				zap.ByteString("payload", m.Payload),
			)
		},
		OnClose: func(c *wsutil.Conn, err error) {
			logger.Info("connection closed", zap.Error(err))
		},
	}
	if cfg.Debug {
		dc.OnRequest = func(p []byte) {
			logger.Debug("handshake request", zap.ByteString("head", p))
		}
		dc.OnResponse = func(p []byte) {
			logger.Debug("handshake response", zap.ByteString("head", p))
		}
	}

	ctx := context.Background()
	if cfg.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.handshakeTimeout)
		defer cancel()
	}
	conn, err := wsutil.Dial(ctx, cfg.URL, dc)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected",
		zap.Stringer("remote", conn.Addresses().Remote),
		zap.String("protocol", conn.Handshake().Protocol),
	)

	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			lines <- s.Text()
		}
	}()

	var tick <-chan time.Time
	if cfg.pingInterval > 0 {
		t := time.NewTicker(cfg.pingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return conn.Close()
			}
			if err := conn.SendText(line, cfg.FragmentSize); err != nil {
				return err
			}
		case <-tick:
			conn.Ping(cfg.pingTTL, func(rtt time.Duration, err error) {
				if err != nil {
					logger.Warn("ping failed", zap.Error(err))
					return
				}
				logger.Info("pong", zap.Duration("rtt", rtt))
			})
		case <-conn.Done():
			return conn.Err()
		case s := <-sig:
			logger.Info("signal received; closing", zap.Stringer("signal", s))
			return conn.Close()
		}
	}
}
