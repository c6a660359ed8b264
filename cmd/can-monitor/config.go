package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	driver          string
	canIfs          string
	vcanIfaces      int
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	poolBlocks      int
	blocksPerIface  int
	pollInterval    time.Duration
	heartbeatID     uint
	heartbeatEvery  time.Duration
	txDeadline      time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	driver := flag.String("driver", "vcan", "CAN driver: vcan|socketcan|slcan")
	canIfs := flag.String("can-ifs", "can0", "SocketCAN interfaces, comma separated (when --driver=socketcan)")
	vcanIfaces := flag.Int("vcan-ifaces", 2, "Number of virtual interfaces (when --driver=vcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --driver=slcan)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	poolBlocks := flag.Int("pool-blocks", 512, "Shared TX pool capacity in blocks (2 blocks per queued frame)")
	blocksPerIface := flag.Int("blocks-per-iface", 0, "Per-interface pool quota (0 = capacity/(n+1)+1)")
	pollInterval := flag.Duration("poll-interval", 100*time.Millisecond, "Receive polling granularity")
	heartbeatID := flag.Uint("heartbeat-id", 0, "If >0, periodically transmit a heartbeat frame with this CAN ID")
	heartbeatEvery := flag.Duration("heartbeat-interval", time.Second, "Heartbeat transmission period")
	txDeadline := flag.Duration("tx-deadline", 500*time.Millisecond, "TX deadline applied to transmitted frames")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-monitor-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.driver = *driver
	cfg.canIfs = *canIfs
	cfg.vcanIfaces = *vcanIfaces
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.poolBlocks = *poolBlocks
	cfg.blocksPerIface = *blocksPerIface
	cfg.pollInterval = *pollInterval
	cfg.heartbeatID = *heartbeatID
	cfg.heartbeatEvery = *heartbeatEvery
	cfg.txDeadline = *txDeadline
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices, only checks values/ranges.
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
	switch c.driver {
	case "vcan", "socketcan", "slcan":
	default:
		return fmt.Errorf("invalid driver: %s", c.driver)
	}
	if c.vcanIfaces < 1 || c.vcanIfaces > 3 {
		return fmt.Errorf("vcan-ifaces must be 1..3 (got %d)", c.vcanIfaces)
	}
	if c.driver == "socketcan" && strings.TrimSpace(c.canIfs) == "" {
		return errors.New("can-ifs must name at least one interface")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.poolBlocks <= 0 {
		return fmt.Errorf("pool-blocks must be > 0 (got %d)", c.poolBlocks)
	}
	if c.blocksPerIface < 0 {
		return fmt.Errorf("blocks-per-iface must be >= 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.heartbeatEvery <= 0 {
		return fmt.Errorf("heartbeat-interval must be > 0")
	}
	if c.txDeadline <= 0 {
		return fmt.Errorf("tx-deadline must be > 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_MONITOR_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	envStr := func(flagName, key string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			*dst = v
		}
	}
	envInt := func(flagName, key string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}
	envDur := func(flagName, key string, dst *time.Duration, minExclusive time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= minExclusive {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}

	envStr("driver", "CAN_MONITOR_DRIVER", &c.driver)
	envStr("can-ifs", "CAN_MONITOR_IFS", &c.canIfs)
	envInt("vcan-ifaces", "CAN_MONITOR_VCAN_IFACES", &c.vcanIfaces, 1)
	envStr("serial", "CAN_MONITOR_SERIAL", &c.serialDev)
	envInt("baud", "CAN_MONITOR_BAUD", &c.baud, 1)
	envDur("serial-read-timeout", "CAN_MONITOR_SERIAL_READ_TIMEOUT", &c.serialReadTO, 1)
	envInt("pool-blocks", "CAN_MONITOR_POOL_BLOCKS", &c.poolBlocks, 1)
	envInt("blocks-per-iface", "CAN_MONITOR_BLOCKS_PER_IFACE", &c.blocksPerIface, 0)
	envDur("poll-interval", "CAN_MONITOR_POLL_INTERVAL", &c.pollInterval, 1)
	envDur("heartbeat-interval", "CAN_MONITOR_HEARTBEAT_INTERVAL", &c.heartbeatEvery, 1)
	envDur("tx-deadline", "CAN_MONITOR_TX_DEADLINE", &c.txDeadline, 1)
	envStr("log-format", "CAN_MONITOR_LOG_FORMAT", &c.logFormat)
	envStr("log-level", "CAN_MONITOR_LOG_LEVEL", &c.logLevel)
	envDur("log-metrics-interval", "CAN_MONITOR_LOG_METRICS_INTERVAL", &c.logMetricsEvery, 0)
	envStr("mdns-name", "CAN_MONITOR_MDNS_NAME", &c.mdnsName)

	if _, ok := set["heartbeat-id"]; !ok {
		if v, ok := get("CAN_MONITOR_HEARTBEAT_ID"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 32); err == nil {
				c.heartbeatID = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_MONITOR_HEARTBEAT_ID: %w", err)
			}
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_MONITOR_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_MONITOR_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	return firstErr
}

// ifaceNames splits the socketcan interface list.
func (c *appConfig) ifaceNames() []string {
	parts := strings.Split(c.canIfs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
