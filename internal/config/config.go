package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all process configuration values. Operator-tunable motion
// parameters live in the settings file instead (see SETTINGS_PATH).
type Config struct {
	// Identity
	BoardID          string
	BoardDescription string

	// MQTT
	MQTTBroker          string
	MQTTClientIDArm     string
	MQTTClientIDConsole string

	// Topics
	TopicStatus  string
	TopicEvents  string
	TopicCommand string

	// Hardware
	Simulation bool
	SimXStart  int64 // simulated carriage distance from the X switch, steps
	SimZStart  int64

	PinStartButton    string
	PinUpstreamSignal string
	PinXHome          string
	PinZHome          string
	PinXStep          string
	PinXDir           string
	PinXEnable        string
	PinZStep          string
	PinZDir           string
	PinServo          string
	PinVacuum         string
	PinHandshake      string

	// Timing
	ControlTickMicros  int // control loop period
	SwitchDebounceMs   int // home switches
	ButtonDebounceMs   int // start button and upstream signal
	StatusInterval     int // milliseconds between status broadcasts
	HomingTimeoutMs    int // 0 disables the seek timeout
	HomingBackOffLimit int // steps

	// Web Server
	WebServerPort int
	WebRoot       string // static dashboard files

	// Serial console
	SerialPort     string // empty disables the console
	SerialBaudRate int

	// Display
	DisplayI2CBus         string
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds, 0 disables the display

	// Storage
	SettingsPath string

	// Logging
	LogLevel string
}

// Package-level singleton: InitGlobal sets it once, Get reads it under the
// read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		BoardID:          "TA-01",
		BoardDescription: "Transfer Arm",

		MQTTClientIDArm:     "transfer-arm",
		MQTTClientIDConsole: "transfer-arm-console",
		TopicStatus:         "transfer_arm/status",
		TopicEvents:         "transfer_arm/events",
		TopicCommand:        "transfer_arm/command",

		SimXStart: 500,
		SimZStart: 300,

		ControlTickMicros:  1000,
		SwitchDebounceMs:   2,
		ButtonDebounceMs:   10,
		StatusInterval:     500,
		HomingTimeoutMs:    30000,
		HomingBackOffLimit: 200,

		WebServerPort: 8080,
		WebRoot:       "web",

		SerialBaudRate: 115200,

		DisplayI2CBus:         "",
		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 500,

		SettingsPath: "transfer_arm_settings.yaml",
		LogLevel:     "info",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseIntRange(key, value string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, lo, hi, v)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Identity
	case "BOARD_ID":
		c.BoardID = value
	case "BOARD_DESCRIPTION":
		c.BoardDescription = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_ARM":
		c.MQTTClientIDArm = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_EVENTS":
		c.TopicEvents = value
	case "TOPIC_COMMAND":
		c.TopicCommand = value

	// Hardware
	case "SIMULATION":
		c.Simulation, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid SIMULATION %q: %w", value, err)
		}
	case "SIM_X_START_STEPS":
		c.SimXStart, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SIM_X_START_STEPS %q: %w", value, err)
		}
	case "SIM_Z_START_STEPS":
		c.SimZStart, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SIM_Z_START_STEPS %q: %w", value, err)
		}
	case "PIN_START_BUTTON":
		c.PinStartButton = value
	case "PIN_UPSTREAM_SIGNAL":
		c.PinUpstreamSignal = value
	case "PIN_X_HOME":
		c.PinXHome = value
	case "PIN_Z_HOME":
		c.PinZHome = value
	case "PIN_X_STEP":
		c.PinXStep = value
	case "PIN_X_DIR":
		c.PinXDir = value
	case "PIN_X_ENABLE":
		c.PinXEnable = value
	case "PIN_Z_STEP":
		c.PinZStep = value
	case "PIN_Z_DIR":
		c.PinZDir = value
	case "PIN_SERVO":
		c.PinServo = value
	case "PIN_VACUUM":
		c.PinVacuum = value
	case "PIN_HANDSHAKE":
		c.PinHandshake = value

	// Timing
	case "CONTROL_TICK_US":
		c.ControlTickMicros, err = parseIntRange(key, value, 100, 100000)
	case "SWITCH_DEBOUNCE_MS":
		c.SwitchDebounceMs, err = parseIntRange(key, value, 0, 1000)
	case "BUTTON_DEBOUNCE_MS":
		c.ButtonDebounceMs, err = parseIntRange(key, value, 0, 1000)
	case "STATUS_INTERVAL":
		c.StatusInterval, err = parseIntRange(key, value, 10, 60000)
	case "HOMING_TIMEOUT_MS":
		c.HomingTimeoutMs, err = parseIntRange(key, value, 0, 600000)
	case "HOMING_BACKOFF_LIMIT":
		c.HomingBackOffLimit, err = parseIntRange(key, value, 1, 100000)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseIntRange(key, value, 1, 65535)
	case "WEB_ROOT":
		c.WebRoot = value

	// Serial console
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		rate, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid SERIAL_BAUD_RATE %q: %w", value, perr)
		}
		c.SerialBaudRate = rate

	// Display
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_I2C_ADDR":
		addr, perr := strconv.ParseUint(value, 0, 16)
		if perr != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, perr)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseIntRange(key, value, 0, 60000)

	// Storage
	case "SETTINGS_PATH":
		c.SettingsPath = value

	// Logging
	case "LOG_LEVEL":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
			c.LogLevel = strings.ToLower(value)
		default:
			return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", value)
		}

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.SettingsPath == "" {
		return fmt.Errorf("SETTINGS_PATH is required")
	}
	if c.SerialPort != "" && c.SerialBaudRate <= 0 {
		return fmt.Errorf("SERIAL_BAUD_RATE is required when SERIAL_PORT is set")
	}
	if c.Simulation {
		return nil
	}
	required := []struct{ key, value string }{
		{"PIN_START_BUTTON", c.PinStartButton},
		{"PIN_UPSTREAM_SIGNAL", c.PinUpstreamSignal},
		{"PIN_X_HOME", c.PinXHome},
		{"PIN_Z_HOME", c.PinZHome},
		{"PIN_X_STEP", c.PinXStep},
		{"PIN_X_DIR", c.PinXDir},
		{"PIN_X_ENABLE", c.PinXEnable},
		{"PIN_Z_STEP", c.PinZStep},
		{"PIN_Z_DIR", c.PinZDir},
		{"PIN_SERVO", c.PinServo},
		{"PIN_VACUUM", c.PinVacuum},
		{"PIN_HANDSHAKE", c.PinHandshake},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required unless SIMULATION=true", r.key)
		}
	}
	return nil
}

// ControlTick is the control loop period.
func (c *Config) ControlTick() time.Duration {
	return time.Duration(c.ControlTickMicros) * time.Microsecond
}

// HomingTimeout is the seek bound for both axes.
func (c *Config) HomingTimeout() time.Duration {
	return time.Duration(c.HomingTimeoutMs) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
