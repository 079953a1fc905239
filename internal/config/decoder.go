package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/uartsniff/internal/packet"
	"github.com/banshee-data/uartsniff/internal/uart"
)

// DefaultConfigPath is the path to the canonical decoder defaults file.
const DefaultConfigPath = "config/decoder.defaults.json"

// DecoderConfig describes the line being sniffed and how bursts are cut and
// decoded. Every field is optional; the Get* methods supply the defaults.
type DecoderConfig struct {
	// Frame shape
	BaudRate *uint32 `json:"baud_rate,omitempty"`
	DataBits *uint8  `json:"data_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"` // none, even, odd, mark, space
	StopBits *uint8  `json:"stop_bits,omitempty"`

	// Burst segmentation
	IdleGapUS                 *uint64 `json:"idle_gap_us,omitempty"`
	SubBurstIdleThresholdBits *uint32 `json:"sub_burst_idle_threshold_bits,omitempty"`
	PollInterval              *string `json:"poll_interval,omitempty"` // duration string like "10ms"

	// Packets
	Headers  []string `json:"headers,omitempty"` // hex patterns like "4dc0"
	Checksum *string  `json:"checksum,omitempty"`

	// Sampling
	SampleOffset       *float64 `json:"sample_offset,omitempty"`
	VoteSpacing        *float64 `json:"vote_spacing,omitempty"`
	HuntStepUS         *float64 `json:"hunt_step_us,omitempty"`
	ResyncMarginBits   *float64 `json:"resync_margin_bits,omitempty"`
	CalibrateBitPeriod *bool    `json:"calibrate_bit_period,omitempty"`
}

func ptrUint32(v uint32) *uint32 { return &v }
func ptrUint8(v uint8) *uint8    { return &v }
func ptrUint64(v uint64) *uint64 { return &v }
func ptrString(v string) *string { return &v }

// EmptyDecoderConfig returns a DecoderConfig with all fields set to nil.
func EmptyDecoderConfig() *DecoderConfig {
	return &DecoderConfig{}
}

// LoadDecoderConfig loads a DecoderConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadDecoderConfig(path string) (*DecoderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDecoderConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DecoderConfig) Validate() error {
	if c.BaudRate != nil && *c.BaudRate == 0 {
		return fmt.Errorf("baud_rate must be positive")
	}
	if c.Parity != nil {
		if _, err := uart.ParseParity(*c.Parity); err != nil {
			return err
		}
	}
	if err := c.GetTemplate().Validate(); err != nil {
		return err
	}
	if c.SubBurstIdleThresholdBits != nil && *c.SubBurstIdleThresholdBits != 0 &&
		int(*c.SubBurstIdleThresholdBits) <= c.GetTemplate().FrameLength() {
		return fmt.Errorf("sub_burst_idle_threshold_bits must exceed the frame length (%d), got %d",
			c.GetTemplate().FrameLength(), *c.SubBurstIdleThresholdBits)
	}
	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}
	if _, err := packet.ParseHeaders(c.Headers); err != nil {
		return err
	}
	if c.Checksum != nil {
		if _, err := packet.ParseChecksumKind(*c.Checksum); err != nil {
			return err
		}
	}
	if c.SampleOffset != nil && (*c.SampleOffset <= 0 || *c.SampleOffset >= 1) {
		return fmt.Errorf("sample_offset must be between 0 and 1, got %f", *c.SampleOffset)
	}
	if c.VoteSpacing != nil && (*c.VoteSpacing <= 0 || *c.VoteSpacing >= c.GetSampleOptions().SampleOffset) {
		return fmt.Errorf("vote_spacing must be positive and below sample_offset, got %f", *c.VoteSpacing)
	}
	if c.HuntStepUS != nil && *c.HuntStepUS <= 0 {
		return fmt.Errorf("hunt_step_us must be positive, got %f", *c.HuntStepUS)
	}
	if c.ResyncMarginBits != nil && (*c.ResyncMarginBits <= 0 || *c.ResyncMarginBits >= 1) {
		return fmt.Errorf("resync_margin_bits must be between 0 and 1, got %f", *c.ResyncMarginBits)
	}
	return nil
}

// GetBaudRate returns the baud_rate value or the default.
func (c *DecoderConfig) GetBaudRate() uint32 {
	if c.BaudRate == nil {
		return 38400
	}
	return *c.BaudRate
}

// GetTemplate assembles the frame shape, defaulting to 8E2.
func (c *DecoderConfig) GetTemplate() uart.Template {
	t := uart.DefaultTemplate()
	if c.DataBits != nil {
		t.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		t.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		if p, err := uart.ParseParity(*c.Parity); err == nil {
			t.Parity = p
		}
	}
	return t
}

// GetIdleGapUS returns the idle_gap_us value or the default.
func (c *DecoderConfig) GetIdleGapUS() uint64 {
	if c.IdleGapUS == nil {
		return 10000 // 10ms
	}
	return *c.IdleGapUS
}

// GetSubBurstIdleThresholdBits returns the sub_burst_idle_threshold_bits
// value or the default. Zero disables sub-burst splitting.
func (c *DecoderConfig) GetSubBurstIdleThresholdBits() uint32 {
	if c.SubBurstIdleThresholdBits == nil {
		return 20
	}
	return *c.SubBurstIdleThresholdBits
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *DecoderConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return 10 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond // default on parse error
	}
	return d
}

// GetHeaders returns the parsed header patterns. Invalid entries are
// rejected by Validate, so none are expected here.
func (c *DecoderConfig) GetHeaders() [][]byte {
	h, err := packet.ParseHeaders(c.Headers)
	if err != nil {
		return nil
	}
	return h
}

// GetChecksum returns the checksum kind or none.
func (c *DecoderConfig) GetChecksum() packet.ChecksumKind {
	if c.Checksum == nil {
		return packet.ChecksumNone
	}
	k, err := packet.ParseChecksumKind(*c.Checksum)
	if err != nil {
		return packet.ChecksumNone
	}
	return k
}

// GetSampleOptions returns the sampler tuning, falling back per field.
func (c *DecoderConfig) GetSampleOptions() uart.SampleOptions {
	o := uart.DefaultSampleOptions()
	if c.SampleOffset != nil {
		o.SampleOffset = *c.SampleOffset
	}
	if c.VoteSpacing != nil {
		o.VoteSpacing = *c.VoteSpacing
	}
	if c.HuntStepUS != nil {
		o.HuntStepUS = *c.HuntStepUS
	}
	if c.ResyncMarginBits != nil {
		o.ResyncMarginBits = *c.ResyncMarginBits
	}
	return o
}

// GetCalibrateBitPeriod returns the calibrate_bit_period value or the default.
func (c *DecoderConfig) GetCalibrateBitPeriod() bool {
	if c.CalibrateBitPeriod == nil {
		return true // default: measure the period per stream
	}
	return *c.CalibrateBitPeriod
}

// Overrides carries command-line values that replace file settings. Zero
// values leave the file setting in place.
type Overrides struct {
	BaudRate uint32
	Headers  []string
	Checksum string
}

// Apply copies non-zero overrides into the config and revalidates.
func (c *DecoderConfig) Apply(o Overrides) error {
	if o.BaudRate != 0 {
		c.BaudRate = ptrUint32(o.BaudRate)
	}
	if len(o.Headers) > 0 {
		c.Headers = append([]string(nil), o.Headers...)
	}
	if o.Checksum != "" {
		c.Checksum = ptrString(o.Checksum)
	}
	return c.Validate()
}
