// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Slave        SlaveConfig        `mapstructure:"slave"`
	Serial       SerialConfig       `mapstructure:"serial"`
	Regions      RegionsConfig      `mapstructure:"regions"`
	WriteProtect WriteProtectConfig `mapstructure:"write_protect"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	Log          LogConfig          `mapstructure:"log"`
}

// SlaveConfig defines the protocol-engine settings
type SlaveConfig struct {
	Address       uint8 `mapstructure:"address"`        // Bus address, 1-247
	BufferSize    int   `mapstructure:"buffer_size"`    // Frame buffer size; 0 selects the RTU maximum
	AsyncTransmit bool  `mapstructure:"async_transmit"` // Non-blocking send path
	CRCTable      bool  `mapstructure:"crc_table"`      // Table-driven CRC strategy
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485             bool `mapstructure:"rs485"`
	RtsHighDuringSend bool `mapstructure:"rts_high_during_send"`
}

// RegionsConfig sizes the four data regions. A zero size disables the
// region and requests against it raise illegal-function exceptions.
type RegionsConfig struct {
	Coils            int `mapstructure:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers"`
}

// WriteProtectConfig lists bus-read-only spans per writable region,
// e.g. "0-15,32" protects entries 0 through 15 and entry 32.
type WriteProtectConfig struct {
	Coils            string `mapstructure:"coils"`
	HoldingRegisters string `mapstructure:"holding_registers"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-slave/")
		v.AddConfigPath("$HOME/.modbus-slave")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("slave.address", 1)
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("regions.coils", 256)
	v.SetDefault("regions.discrete_inputs", 256)
	v.SetDefault("regions.holding_registers", 256)
	v.SetDefault("regions.input_registers", 256)
	v.SetDefault("persistence.type", "memory")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to found config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Serial)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

func validate(c *Config) error {
	if c.Slave.Address < 1 || c.Slave.Address > 247 {
		return fmt.Errorf("slave.address %d outside 1..247", c.Slave.Address)
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("serial.device is required")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	// Bit regions are addressed with 16 bits, so 65535 entries at most.
	for name, n := range map[string]int{
		"regions.coils":           c.Regions.Coils,
		"regions.discrete_inputs": c.Regions.DiscreteInputs,
	} {
		if n < 0 || n > 65535 {
			return fmt.Errorf("%s %d outside 0..65535", name, n)
		}
	}
	for name, n := range map[string]int{
		"regions.holding_registers": c.Regions.HoldingRegisters,
		"regions.input_registers":   c.Regions.InputRegisters,
	} {
		if n < 0 || n > 65536 {
			return fmt.Errorf("%s %d outside 0..65536", name, n)
		}
	}
	switch c.Persistence.Type {
	case "memory", "file", "mmap":
	default:
		return fmt.Errorf("unknown persistence.type: %s", c.Persistence.Type)
	}
	if c.Persistence.Type != "memory" && c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required for type %s", c.Persistence.Type)
	}
	return nil
}

// ParseRanges parses a span list (e.g. "0-15,32,100-110") into a set of
// region addresses.
func ParseRanges(input string) (map[uint16]struct{}, error) {
	set := make(map[uint16]struct{})
	parts := strings.Split(input, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			// Range
			ranges := strings.Split(part, "-")
			if len(ranges) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %w", err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(ranges[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %w", err)
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
			for i := start; i <= end; i++ {
				if i < 0 || i > 65535 {
					return nil, fmt.Errorf("address out of range: %d", i)
				}
				set[uint16(i)] = struct{}{}
			}
		} else {
			// Single
			addr, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}
			if addr < 0 || addr > 65535 {
				return nil, fmt.Errorf("address out of range: %d", addr)
			}
			set[uint16(addr)] = struct{}{}
		}
	}
	return set, nil
}
