package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

const (
	modeServer = "server"
	modeClient = "client"
)

// config is the wsecho configuration. Durations are strings accepted by
// time.ParseDuration.
type config struct {
	Mode             string `json:"mode"`
	Listen           string `json:"listen"`
	URL              string `json:"url"`
	Protocol         string `json:"protocol"`
	HandshakeTimeout string `json:"handshake_timeout"`
	PingInterval     string `json:"ping_interval"`
	PingTTL          string `json:"ping_ttl"`
	FragmentSize     int    `json:"fragment_size"`
	MaxMessageSize   int64  `json:"max_message_size"`
	Debug            bool   `json:"debug"`

	handshakeTimeout time.Duration
	pingInterval     time.Duration
	pingTTL          time.Duration
}

func defaultConfig() config {
	return config{
		Mode:             modeServer,
		Listen:           ":9001",
		URL:              "ws://localhost:9001/",
		HandshakeTimeout: "5s",
		PingInterval:     "10s",
		PingTTL:          "5s",
	}
}

// loadConfig reads optional JSON file and then applies flags which were set
// explicitly on the command line.
func loadConfig(args []string) (config, error) {
	cfg := defaultConfig()

	var (
		fs   = flag.NewFlagSet("wsecho", flag.ContinueOnError)
		file = fs.String("config", "", "path to JSON config file")
		over config
	)
	fs.StringVar(&over.Mode, "mode", cfg.Mode, "run as \"server\" or \"client\"")
	fs.StringVar(&over.Listen, "listen", cfg.Listen, "addr to listen in server mode")
	fs.StringVar(&over.URL, "url", cfg.URL, "url to connect in client mode")
	fs.StringVar(&over.Protocol, "protocol", "", "comma separated subprotocols to request")
	fs.StringVar(&over.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "server handshake deadline")
	fs.StringVar(&over.PingInterval, "ping", cfg.PingInterval, "interval between pings in client mode")
	fs.StringVar(&over.PingTTL, "ttl", cfg.PingTTL, "time to wait for pong")
	fs.IntVar(&over.FragmentSize, "fragment", 0, "max fragment payload size; zero sends single frames")
	fs.Int64Var(&over.MaxMessageSize, "max-message", 0, "max reassembled message size; zero means unlimited")
	fs.BoolVar(&over.Debug, "debug", false, "enable debug logging and handshake dumps")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return cfg, err
		}
		if err := sonnet.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", *file, err)
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = over.Mode
		case "listen":
			cfg.Listen = over.Listen
		case "url":
			cfg.URL = over.URL
		case "protocol":
			cfg.Protocol = over.Protocol
		case "handshake-timeout":
			cfg.HandshakeTimeout = over.HandshakeTimeout
		case "ping":
			cfg.PingInterval = over.PingInterval
		case "ttl":
			cfg.PingTTL = over.PingTTL
		case "fragment":
			cfg.FragmentSize = over.FragmentSize
		case "max-message":
			cfg.MaxMessageSize = over.MaxMessageSize
		case "debug":
			cfg.Debug = over.Debug
		}
	})
	return cfg, cfg.resolve()
}

func (c *config) resolve() (err error) {
	switch c.Mode {
	case modeServer, modeClient:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout, &c.handshakeTimeout},
		{"ping_interval", c.PingInterval, &c.pingInterval},
		{"ping_ttl", c.PingTTL, &c.pingTTL},
	} {
		if d.src == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(d.src); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if c.FragmentSize < 0 {
		return fmt.Errorf("negative fragment_size %d", c.FragmentSize)
	}
	return nil
}
