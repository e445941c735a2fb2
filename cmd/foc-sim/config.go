package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/hub"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
)

type appConfig struct {
	nodeID          int
	canBackend      string
	canIf           string
	uartBackend     string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	pwmFrequency    float64
	timeScale       float64
	nvmPath         string
	heartbeat       time.Duration
	tickSlack       time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	hubBuffer       int
	hubPolicy       string
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.IntVar(&cfg.nodeID, "node", 1, "CAN node id used when no configuration is stored (1-255)")
	flag.StringVar(&cfg.canBackend, "can-backend", "socketcan", "CAN link: socketcan|none")
	flag.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --can-backend=socketcan)")
	flag.StringVar(&cfg.uartBackend, "uart-backend", "none", "UART link: serial|none")
	flag.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	flag.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	flag.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	flag.Float64Var(&cfg.pwmFrequency, "pwm-frequency", 20000, "Simulated PWM/ADC rate in Hz")
	flag.Float64Var(&cfg.timeScale, "time-scale", 20, "Wall-clock slowdown of the simulation (1 = real time)")
	flag.StringVar(&cfg.nvmPath, "nvm", "", "Configuration file; empty keeps configuration in memory")
	flag.DurationVar(&cfg.heartbeat, "heartbeat-interval", time.Second, "Heartbeat period in firmware time (0 disables)")
	flag.DurationVar(&cfg.tickSlack, "tick-slack", 0, "Log deferred CAN/UART handling slower than this (0 disables)")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	flag.IntVar(&cfg.hubBuffer, "hub-buffer", 256, "Per-subscriber hub buffer (frames)")
	flag.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default foc-sim-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicit flags take precedence over env.
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

// validate checks values and ranges only; devices are opened later.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.canBackend {
	case "socketcan", "none":
	default:
		return fmt.Errorf("invalid can-backend: %s", c.canBackend)
	}
	switch c.uartBackend {
	case "serial", "none":
	default:
		return fmt.Errorf("invalid uart-backend: %s", c.uartBackend)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.nodeID < 1 || c.nodeID > 255 {
		return fmt.Errorf("node must be in 1..255 (got %d)", c.nodeID)
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
	if c.pwmFrequency < 1000 || c.pwmFrequency > 100000 {
		return fmt.Errorf("pwm-frequency must be in 1kHz..100kHz (got %g)", c.pwmFrequency)
	}
	if c.timeScale <= 0 {
		return fmt.Errorf("time-scale must be > 0")
	}
	if c.heartbeat < 0 || c.tickSlack < 0 {
		return fmt.Errorf("heartbeat-interval and tick-slack must be >= 0")
	}
	return nil
}

// tickInterval is the wall-clock spacing of simulated ADC conversions.
func (c *appConfig) tickInterval() time.Duration {
	return time.Duration(float64(time.Second) * c.timeScale / c.pwmFrequency)
}

// applyEnvOverrides maps FOC_SIM_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are
// ignored; the first parse error is returned after all variables are seen.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	lookup := func(name, key string) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name, key string, dst *string) {
		if v, ok := lookup(name, key); ok {
			*dst = v
		}
	}
	integer := func(name, key string, dst *int) {
		if v, ok := lookup(name, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	float := func(name, key string, dst *float64) {
		if v, ok := lookup(name, key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = f
		}
	}
	duration := func(name, key string, dst *time.Duration) {
		if v, ok := lookup(name, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name, key string, dst *bool) {
		if v, ok := lookup(name, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	integer("node", "FOC_SIM_NODE", &c.nodeID)
	str("can-backend", "FOC_SIM_CAN_BACKEND", &c.canBackend)
	str("can-if", "FOC_SIM_CAN_IF", &c.canIf)
	str("uart-backend", "FOC_SIM_UART_BACKEND", &c.uartBackend)
	str("serial", "FOC_SIM_SERIAL", &c.serialDev)
	integer("baud", "FOC_SIM_BAUD", &c.baud)
	duration("serial-read-timeout", "FOC_SIM_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	float("pwm-frequency", "FOC_SIM_PWM_FREQUENCY", &c.pwmFrequency)
	float("time-scale", "FOC_SIM_TIME_SCALE", &c.timeScale)
	str("nvm", "FOC_SIM_NVM", &c.nvmPath)
	duration("heartbeat-interval", "FOC_SIM_HEARTBEAT_INTERVAL", &c.heartbeat)
	duration("tick-slack", "FOC_SIM_TICK_SLACK", &c.tickSlack)
	str("log-format", "FOC_SIM_LOG_FORMAT", &c.logFormat)
	str("log-level", "FOC_SIM_LOG_LEVEL", &c.logLevel)
	duration("log-metrics-interval", "FOC_SIM_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	integer("hub-buffer", "FOC_SIM_HUB_BUFFER", &c.hubBuffer)
	str("hub-policy", "FOC_SIM_HUB_POLICY", &c.hubPolicy)
	boolean("mdns-enable", "FOC_SIM_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "FOC_SIM_MDNS_NAME", &c.mdnsName)
	// An empty FOC_SIM_METRICS disables the endpoint.
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("FOC_SIM_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	return firstErr
}
