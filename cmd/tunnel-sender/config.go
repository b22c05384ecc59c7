package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/numimin/tunnel-sender/internal/registry"
)

type appConfig struct {
	listenPort      int
	destIP          string
	destPort        int
	logFormat       string
	logLevel        string
	metricsAddr     string
	maxClients      int
	clientBufSize   int
	ringHeadroom    int
	connectTimeout  time.Duration
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses the three positional arguments spec.md requires
// (LISTEN_PORT DEST_IP DEST_PORT) plus the ambient flags below. Positional
// parsing is deliberately minimal, matching the historical lab34-sender CLI.
func parseFlags() (*appConfig, bool, error) {
	cfg := &appConfig{}
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	maxClients := flag.Int("max-clients", registry.MaxClients-1, "Maximum simultaneous downstream clients (at most 254)")
	clientBufSize := flag.Int("client-buffer-size", 1024, "Per-client inbound buffer size in bytes")
	ringHeadroom := flag.Int("ring-headroom", 3, "Extra bytes reserved in the outbound framer ring beyond 2x the client buffer size")
	connectTimeout := flag.Duration("connect-timeout", 30*time.Second, "Upstream tunnel connect retry budget")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the listening port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default tunnel-sender-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		return nil, true, nil
	}

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.maxClients = *maxClients
	cfg.clientBufSize = *clientBufSize
	cfg.ringHeadroom = *ringHeadroom
	cfg.connectTimeout = *connectTimeout
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, err
	}

	args := flag.Args()
	if len(args) != 3 {
		return nil, false, fmt.Errorf("usage: tunnel-sender [flags] LISTEN_PORT DEST_IP DEST_PORT")
	}
	listenPort, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, false, fmt.Errorf("invalid LISTEN_PORT %q: %w", args[0], err)
	}
	destPort, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, false, fmt.Errorf("invalid DEST_PORT %q: %w", args[2], err)
	}
	cfg.listenPort = listenPort
	cfg.destIP = args[1]
	cfg.destPort = destPort

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.listenPort <= 0 || c.listenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT out of range: %d", c.listenPort)
	}
	if c.destPort <= 0 || c.destPort > 65535 {
		return fmt.Errorf("DEST_PORT out of range: %d", c.destPort)
	}
	if c.destIP == "" {
		return errors.New("DEST_IP must not be empty")
	}
	if c.maxClients <= 0 || c.maxClients > registry.MaxClients-1 {
		return fmt.Errorf("max-clients must be in (0, %d]", registry.MaxClients-1)
	}
	if c.clientBufSize <= 0 {
		return errors.New("client-buffer-size must be > 0")
	}
	if c.ringHeadroom < 0 {
		return errors.New("ring-headroom must be >= 0")
	}
	if c.connectTimeout <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps TUNNEL_SENDER_* environment variables onto cfg
// unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["log-format"]; !ok {
		if v, ok := get("TUNNEL_SENDER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("TUNNEL_SENDER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("TUNNEL_SENDER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("TUNNEL_SENDER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TUNNEL_SENDER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["client-buffer-size"]; !ok {
		if v, ok := get("TUNNEL_SENDER_CLIENT_BUFFER_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.clientBufSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TUNNEL_SENDER_CLIENT_BUFFER_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["ring-headroom"]; !ok {
		if v, ok := get("TUNNEL_SENDER_RING_HEADROOM"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.ringHeadroom = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TUNNEL_SENDER_RING_HEADROOM: %w", err)
			}
		}
	}
	if _, ok := set["connect-timeout"]; !ok {
		if v, ok := get("TUNNEL_SENDER_CONNECT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.connectTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TUNNEL_SENDER_CONNECT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("TUNNEL_SENDER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TUNNEL_SENDER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("TUNNEL_SENDER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("TUNNEL_SENDER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
