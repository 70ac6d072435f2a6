package queue

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config tunes a Queue. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// MaxInFlight caps the flushed FIFO below the device's advertised depth
	MaxInFlight int `yaml:"max_in_flight"`

	// DrainWatchdog bounds the drain performed by Close
	DrainWatchdog time.Duration `yaml:"drain_watchdog"`

	DisableSnapshotReuse bool  `yaml:"disable_snapshot_reuse"`
	SnapshotBudget       int64 `yaml:"snapshot_budget"` // bytes per snapshot, 0 = unlimited

	// VerifySchedules checks every board order against its dependencies at enqueue
	VerifySchedules bool `yaml:"verify_schedules"`

	CopyKernelsPerSignature int `yaml:"copy_kernels_per_signature"` // 0 = unlimited
}

// DefaultConfig returns the configuration used for zero Config fields
func DefaultConfig() Config {
	return Config{
		DrainWatchdog: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DrainWatchdog == 0 {
		c.DrainWatchdog = def.DrainWatchdog
	}
	return c
}

// Validate rejects negative limits
func (c Config) Validate() error {
	switch {
	case c.MaxInFlight < 0:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "max_in_flight %d", c.MaxInFlight)
	case c.DrainWatchdog < 0:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "drain_watchdog %s", c.DrainWatchdog)
	case c.SnapshotBudget < 0:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "snapshot_budget %d", c.SnapshotBudget)
	case c.CopyKernelsPerSignature < 0:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "copy_kernels_per_signature %d", c.CopyKernelsPerSignature)
	}
	return nil
}

// ParseConfig decodes a YAML document. Unknown keys are rejected and an
// empty document yields the zero Config.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, errors.Wrapf(errdefs.ErrInvalidArgument, "parsing queue config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads a YAML configuration file
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading queue config %s", path)
	}
	return ParseConfig(data)
}
