// Package config loads the mission configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/uviespace/CCS-sub002/ccsds"
	"github.com/uviespace/CCS-sub002/rmap"
)

// Config is the mission configuration.
type Config struct {
	Profile string  `yaml:"profile"`
	CRC     CRC     `yaml:"crc"`
	Frames  Frames  `yaml:"frames"`
	RMAP    RMAP    `yaml:"rmap"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// CRC selects which packets must carry a valid PEC.
type CRC struct {
	Check       bool  `yaml:"check"`
	ExemptAPIDs []int `yaml:"exempt_apids"`
}

// Frames is the transfer frame and container geometry.
type Frames struct {
	HeaderLength          int `yaml:"header_length"`
	TrailerLength         int `yaml:"trailer_length"`
	ContainerHeaderLength int `yaml:"container_header_length"`
}

// RMAP holds the link constants of the RMAP codec.
type RMAP struct {
	ProtocolID              uint8  `yaml:"protocol_id"`
	Key                     uint8  `yaml:"key"`
	TargetLogicalAddress    uint8  `yaml:"target_logical_address"`
	InitiatorLogicalAddress uint8  `yaml:"initiator_logical_address"`
	Checksum                string `yaml:"checksum"` // crc16 or crc8
}

// Server configures the ingest service.
type Server struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// MaxJobs bounds the number of retained jobs; the oldest finished job
	// is evicted first.
	MaxJobs int `yaml:"max_jobs"`
}

// Logging contains logging configuration
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Profile: "C",
		CRC:     CRC{Check: true},
		Frames: Frames{
			HeaderLength:          ccsds.DefaultFrameGeometry.HeaderLength,
			TrailerLength:         ccsds.DefaultFrameGeometry.TrailerLength,
			ContainerHeaderLength: ccsds.NCTRSHeaderLength,
		},
		RMAP: RMAP{
			ProtocolID:              rmap.DefaultProtocolID,
			TargetLogicalAddress:    0xFE,
			InitiatorLogicalAddress: 0xFE,
			Checksum:                "crc16",
		},
		Server: Server{
			Bind:    "127.0.0.1",
			Port:    8000,
			MaxJobs: 64,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path. Keys missing
// from the file keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return config, nil
}

// Validate checks values that yaml decoding cannot.
func (c *Config) Validate() error {
	if _, err := ccsds.ParseHeaderProfile(c.Profile); err != nil {
		return err
	}
	for _, apid := range c.CRC.ExemptAPIDs {
		if apid < 0 || apid > ccsds.IdleAPID {
			return fmt.Errorf("exempt apid %d out of range", apid)
		}
	}
	if c.Frames.HeaderLength < 6 || c.Frames.TrailerLength < 0 || c.Frames.ContainerHeaderLength < 0 {
		return fmt.Errorf("bad frame geometry %+v", c.Frames)
	}
	if _, err := c.checksum(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// HeaderProfile returns the configured header profile.
func (c *Config) HeaderProfile() ccsds.HeaderProfile {
	p, err := ccsds.ParseHeaderProfile(c.Profile)
	if err != nil {
		return ccsds.ProfileC
	}
	return p
}

// CRCPolicy returns the demultiplexer CRC policy.
func (c *Config) CRCPolicy() ccsds.CRCPolicy {
	p := ccsds.CRCPolicy{Enabled: c.CRC.Check}
	if len(c.CRC.ExemptAPIDs) > 0 {
		p.Exempt = make(map[int]bool, len(c.CRC.ExemptAPIDs))
		for _, apid := range c.CRC.ExemptAPIDs {
			p.Exempt[apid] = true
		}
	}
	return p
}

// DemuxerOptions returns the demultiplexer options for this configuration.
func (c *Config) DemuxerOptions() []func(*ccsds.Demuxer) {
	return []func(*ccsds.Demuxer){
		ccsds.DemuxerOptCRC(c.CRCPolicy()),
		ccsds.DemuxerOptGeometry(ccsds.FrameGeometry{
			HeaderLength:  c.Frames.HeaderLength,
			TrailerLength: c.Frames.TrailerLength,
		}),
		ccsds.DemuxerOptContainerHeader(c.Frames.ContainerHeaderLength),
	}
}

func (c *Config) checksum() (rmap.Checksum, error) {
	switch strings.ToLower(c.RMAP.Checksum) {
	case "", "crc16":
		return rmap.CRC16Low, nil
	case "crc8":
		return rmap.CRC8, nil
	}
	return nil, fmt.Errorf("unknown rmap checksum %q", c.RMAP.Checksum)
}

// RMAPCodec returns the RMAP codec for the configured link.
func (c *Config) RMAPCodec() rmap.Codec {
	sum, err := c.checksum()
	if err != nil {
		sum = rmap.CRC16Low
	}
	return rmap.Codec{
		ProtocolID:              c.RMAP.ProtocolID,
		Key:                     c.RMAP.Key,
		TargetLogicalAddress:    c.RMAP.TargetLogicalAddress,
		InitiatorLogicalAddress: c.RMAP.InitiatorLogicalAddress,
		Checksum:                sum,
	}
}

// Addr returns the listen address of the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ParseLevel maps a logging level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
