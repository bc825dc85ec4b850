package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/isotp"
)

type appConfig struct {
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	serialStdIDs    bool
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	backend         string
	canIf           string
	canFilter       string
	openAttempts    uint
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	// ISO-TP
	listenIDs     string
	listenersFile string
	isotpTimeout  time.Duration
	blockSize     int
	stmin         time.Duration
	padding       bool
	engineQueue   int
}

const envPrefix = "ISOTP_SERVER_"

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		serialStdIDs: true,
		listenAddr:   ":20100",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		hubPolicy:    "drop",
		backend:      "socketcan",
		canIf:        "can0",
		openAttempts: 5,
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		isotpTimeout: isotp.DefaultResponseTimeout,
		blockSize:    isotp.DefaultBlockSize,
		stmin:        isotp.DefaultSTmin,
		padding:      isotp.DefaultFramePadding,
		engineQueue:  1024,
	}
}

func parseFlags() (*appConfig, bool) {
	cfg := defaultConfig()
	fs := flag.CommandLine
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.BoolVar(&cfg.serialStdIDs, "serial-std-ids", cfg.serialStdIDs, "Treat serial ids <= 0x7FF as 11-bit frames")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (records)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN backend: serial|socketcan")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.canFilter, "can-filter", "", "Extra 11-bit ids to accept in the SocketCAN filter (e.g. 0x708,0x7E8); empty disables filtering")
	fs.UintVar(&cfg.openAttempts, "open-attempts", cfg.openAttempts, "Attempts to open the CAN backend before giving up")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default isotp-server-<hostname>)")
	fs.StringVar(&cfg.listenIDs, "listen-ids", "", "Comma separated receive ids served with default parameters (e.g. 0x7E8,0x7E9)")
	fs.StringVar(&cfg.listenersFile, "listeners", "", "YAML file describing receive listeners")
	fs.DurationVar(&cfg.isotpTimeout, "isotp-timeout", cfg.isotpTimeout, "ISO-TP response timeout (N_Bs/N_Cr)")
	fs.IntVar(&cfg.blockSize, "block-size", cfg.blockSize, "Block size advertised in flow control (0 = unlimited)")
	fs.DurationVar(&cfg.stmin, "stmin", cfg.stmin, "Separation time advertised in flow control")
	fs.BoolVar(&cfg.padding, "padding", cfg.padding, "Pad transmitted frames to 8 bytes")
	fs.IntVar(&cfg.engineQueue, "engine-queue", cfg.engineQueue, "ISO-TP engine event queue size")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

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
// It does not attempt to open devices or listeners – only checks values/ranges.
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
	switch c.backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.openAttempts == 0 {
		return fmt.Errorf("open-attempts must be > 0")
	}
	if c.isotpTimeout <= 0 {
		return fmt.Errorf("isotp-timeout must be > 0")
	}
	if c.blockSize < 0 || c.blockSize > 255 {
		return fmt.Errorf("block-size must be 0..255 (got %d)", c.blockSize)
	}
	if c.stmin < 0 || c.stmin > 127*time.Millisecond {
		return fmt.Errorf("stmin must be 0..127ms (got %v)", c.stmin)
	}
	if c.engineQueue <= 0 {
		return fmt.Errorf("engine-queue must be > 0")
	}
	if _, err := parseIDList(c.listenIDs); err != nil {
		return fmt.Errorf("listen-ids: %w", err)
	}
	if _, err := parseIDList(c.canFilter); err != nil {
		return fmt.Errorf("can-filter: %w", err)
	}
	return nil
}

// applyEnvOverrides maps ISOTP_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	lookup := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(env string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, env, err)
		}
	}
	str := func(flagName, env string, dst *string) {
		if v, ok := lookup(flagName, env); ok {
			*dst = v
		}
	}
	num := func(flagName, env string, min int, dst *int) {
		if v, ok := lookup(flagName, env); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < min {
				err = fmt.Errorf("%d below %d", n, min)
			}
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if v, ok := lookup(flagName, env); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %v", d)
			}
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if v, ok := lookup(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("serial", "SERIAL", &c.serialDev)
	num("baud", "BAUD", 1, &c.baud)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	boolean("serial-std-ids", "SERIAL_STD_IDS", &c.serialStdIDs)
	str("listen", "LISTEN", &c.listenAddr)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "METRICS", &c.metricsAddr)
	num("hub-buffer", "HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "HUB_POLICY", &c.hubPolicy)
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("backend", "BACKEND", &c.backend)
	str("can-if", "IF", &c.canIf)
	str("can-filter", "CAN_FILTER", &c.canFilter)
	if v, ok := lookup("open-attempts", "OPEN_ATTEMPTS"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			c.openAttempts = uint(n)
		} else if err != nil {
			fail("OPEN_ATTEMPTS", err)
		}
	}
	num("max-clients", "MAX_CLIENTS", 0, &c.maxClients)
	dur("handshake-timeout", "HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	boolean("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	str("listen-ids", "LISTEN_IDS", &c.listenIDs)
	str("listeners", "LISTENERS", &c.listenersFile)
	dur("isotp-timeout", "ISOTP_TIMEOUT", &c.isotpTimeout)
	num("block-size", "BLOCK_SIZE", 0, &c.blockSize)
	dur("stmin", "STMIN", &c.stmin)
	boolean("padding", "PADDING", &c.padding)
	num("engine-queue", "ENGINE_QUEUE", 1, &c.engineQueue)
	return firstErr
}

// parseIDList parses "0x7E8, 0x7E9,2024" into 11-bit ids.
func parseIDList(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []uint16
	for _, part := range strings.Split(s, ",") {
		id, err := parseID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseID(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad id %q: %w", s, err)
	}
	if n > 0x7FF {
		return 0, fmt.Errorf("id %q exceeds 11 bits", s)
	}
	return uint16(n), nil
}
