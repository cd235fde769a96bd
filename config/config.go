/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package config holds the immutable stack configuration and the daemon
// configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Network layer constants (nwkc*).
const (
	// MinHeaderOverhead is the minimum number of octets added by the NWK layer to an NSDU.
	MinHeaderOverhead = 0x08
	// MACFrameOverhead is the size of the MAC header used by the NWK layer.
	MACFrameOverhead = 0x0b
	// WaitBeforeValidation is counted in octet durations (0x500 ms on 2.4 GHz).
	WaitBeforeValidation = 0x9c40
	// MaxASDULength is the absolute upper bound of an ASDU, fragmented or not.
	MaxASDULength = 0xbf4
	// BaseSuperframeDuration is aBaseSuperframeDuration in symbols.
	BaseSuperframeDuration = 960
	// ProtocolVersionPro is the NWK protocol version of ZigBee PRO.
	ProtocolVersionPro = 0x02
	// MaxScanDuration is the largest accepted scan_duration exponent.
	MaxScanDuration = 14
)

var (
	ErrSecurityLevel   = errors.New("config: security level out of range 0..7")
	ErrProtocolVersion = errors.New("config: protocol version out of range 0..15")
	ErrMACPayload      = errors.New("config: MAC payload leaves no room for an APS frame")
	ErrTableSize       = errors.New("config: address table size must be positive")
	ErrReassemblyPool  = errors.New("config: reassembly pool size must be positive")
	ErrRetries         = errors.New("config: max retries must be in 0..15")
)

// Stack is the immutable configuration of one node. It is built once at
// startup and shared by value with the network manager and the data service.
type Stack struct {
	CoordinatorCapable bool
	SecurityLevel      uint8
	ProtocolVersion    uint8
	ExtendedAddress    uint64

	// MACPayload is the negotiated MAC payload size in octets.
	MACPayload int

	MaxTableEntries   int
	MaxReassemblies   int
	Reassembly        bool
	ReassemblyTimeout time.Duration

	MaxRetries   int
	AckTimeout   time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	JoinTimeout   time.Duration
	DefaultRadius uint8

	// SymbolDuration is 16 us on the 2.4 GHz PHY.
	SymbolDuration time.Duration
}

// DefaultStack returns the stack profile used when the config file is silent.
func DefaultStack() Stack {
	return Stack{
		CoordinatorCapable: true,
		SecurityLevel:      5,
		ProtocolVersion:    ProtocolVersionPro,
		MACPayload:         102,
		MaxTableEntries:    64,
		MaxReassemblies:    4,
		Reassembly:         true,
		ReassemblyTimeout:  10 * time.Second,
		MaxRetries:         3,
		AckTimeout:         1600 * time.Millisecond,
		RetryBackoff:       250 * time.Millisecond,
		MaxBackoff:         2 * time.Second,
		JoinTimeout:        5 * time.Second,
		DefaultRadius:      10,
		SymbolDuration:     16 * time.Microsecond,
	}
}

// Validate checks the invariants that must hold before the stack starts.
func (s Stack) Validate() error {
	if s.SecurityLevel > 7 {
		return ErrSecurityLevel
	}
	if s.ProtocolVersion > 0x0f {
		return ErrProtocolVersion
	}
	if s.FrameCapacity() <= 0 {
		return ErrMACPayload
	}
	if s.MaxTableEntries <= 0 {
		return ErrTableSize
	}
	if s.MaxReassemblies <= 0 {
		return ErrReassemblyPool
	}
	if s.MaxRetries < 0 || s.MaxRetries > 15 {
		return ErrRetries
	}
	return nil
}

// FrameCapacity is the ASDU room of one unsecured frame.
func (s Stack) FrameCapacity() int {
	return s.MACPayload - MinHeaderOverhead - MACFrameOverhead
}

// ScanDuration is aBaseSuperframeDuration * (2^n + 1) symbols.
func (s Stack) ScanDuration(n uint8) time.Duration {
	symbols := BaseSuperframeDuration * ((1 << n) + 1)
	return time.Duration(symbols) * s.SymbolDuration
}

// RouteWait converts nwkcWaitBeforeValidation to wall time. An octet lasts
// two symbols.
func (s Stack) RouteWait() time.Duration {
	return time.Duration(WaitBeforeValidation) * 2 * s.SymbolDuration
}

// HexUint64 accepts "0x00124b0001020304" style values in YAML.
type HexUint64 uint64

func (h *HexUint64) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("config: bad 64-bit value %q: %w", value.Value, err)
	}
	*h = HexUint64(v)
	return nil
}

func (h HexUint64) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%016x", uint64(h)), nil
}

// StackFile is the YAML shape of the stack section.
type StackFile struct {
	CoordinatorCapable *bool         `yaml:"coordinator_capable"`
	SecurityLevel      *uint8        `yaml:"security_level"`
	ProtocolVersion    *uint8        `yaml:"protocol_version"`
	ExtendedAddress    HexUint64     `yaml:"extended_address"`
	MACPayload         int           `yaml:"mac_payload"`
	MaxTableEntries    int           `yaml:"max_table_entries"`
	MaxReassemblies    int           `yaml:"max_reassemblies"`
	DisableReassembly  bool          `yaml:"disable_reassembly"`
	ReassemblyTimeout  time.Duration `yaml:"reassembly_timeout"`
	MaxRetries         *int          `yaml:"max_retries"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`
	DefaultRadius      uint8         `yaml:"default_radius"`
}

// RadioConfig describes the serial radio co-processor.
type RadioConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	ResetPin int    `yaml:"reset_pin"` // BCM numbering, 0 = no reset line
}

// NetworkFile is the network the node forms or looks for.
type NetworkFile struct {
	ExtendedPANID HexUint64 `yaml:"extended_pan_id"`
	StackProfile  uint8     `yaml:"stack_profile"`
	ZigbeeVersion uint8     `yaml:"zigbee_version"`
	// ScanDuration is the per-channel scan exponent.
	ScanDuration uint8 `yaml:"scan_duration"`
}

// MQTTConfig configures the NHLE bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the daemon configuration file.
type Config struct {
	Mode      string      `yaml:"mode"`
	StatePath string      `yaml:"state_path"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
	Metrics   string      `yaml:"metrics_listen"`
	Channels  []uint8     `yaml:"channels"`
	Network   NetworkFile `yaml:"network"`
	Stack     StackFile   `yaml:"stack"`
	Radio     RadioConfig `yaml:"radio"`
	MQTT      MQTTConfig  `yaml:"mqtt"`

	// Os is filled at runtime, never read from the file.
	Os string `yaml:"-"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if _, err := cfg.StackConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "prod"
	}
	if c.StatePath == "" {
		c.StatePath = "/usr/local/etc/ubee/nib.cbor"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Channels) == 0 {
		c.Channels = []uint8{11}
	}
	if c.Network.ExtendedPANID == 0 {
		c.Network.ExtendedPANID = 0x00124b00ffff0001
	}
	if c.Network.StackProfile == 0 {
		c.Network.StackProfile = 2
	}
	if c.Network.ZigbeeVersion == 0 {
		c.Network.ZigbeeVersion = ProtocolVersionPro
	}
	if c.Network.ScanDuration == 0 {
		c.Network.ScanDuration = 3
	}
	if c.Network.ScanDuration > MaxScanDuration {
		c.Network.ScanDuration = MaxScanDuration
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = 115200
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "ubee"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "ubee"
	}
}

// StackConfig merges the stack section over DefaultStack and validates it.
func (c *Config) StackConfig() (Stack, error) {
	s := DefaultStack()
	f := c.Stack
	if f.CoordinatorCapable != nil {
		s.CoordinatorCapable = *f.CoordinatorCapable
	}
	if f.SecurityLevel != nil {
		s.SecurityLevel = *f.SecurityLevel
	}
	if f.ProtocolVersion != nil {
		s.ProtocolVersion = *f.ProtocolVersion
	}
	s.ExtendedAddress = uint64(f.ExtendedAddress)
	if f.MACPayload != 0 {
		s.MACPayload = f.MACPayload
	}
	if f.MaxTableEntries != 0 {
		s.MaxTableEntries = f.MaxTableEntries
	}
	if f.MaxReassemblies != 0 {
		s.MaxReassemblies = f.MaxReassemblies
	}
	s.Reassembly = !f.DisableReassembly
	if f.ReassemblyTimeout != 0 {
		s.ReassemblyTimeout = f.ReassemblyTimeout
	}
	if f.MaxRetries != nil {
		s.MaxRetries = *f.MaxRetries
	}
	if f.AckTimeout != 0 {
		s.AckTimeout = f.AckTimeout
	}
	if f.RetryBackoff != 0 {
		s.RetryBackoff = f.RetryBackoff
	}
	if f.MaxBackoff != 0 {
		s.MaxBackoff = f.MaxBackoff
	}
	if f.JoinTimeout != 0 {
		s.JoinTimeout = f.JoinTimeout
	}
	if f.DefaultRadius != 0 {
		s.DefaultRadius = f.DefaultRadius
	}
	if err := s.Validate(); err != nil {
		return Stack{}, err
	}
	return s, nil
}

// ChannelMask folds the configured channel list into a 27-bit mask.
func (c *Config) ChannelMask() uint32 {
	var mask uint32
	for _, ch := range c.Channels {
		if ch < 27 {
			mask |= 1 << ch
		}
	}
	return mask
}
