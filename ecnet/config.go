package ecnet

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config describes a network at configuration time. All timeouts are
// counted in polling cycles of the external real time loop, not wall clock
// time; the engine never sleeps on its own.
type Config struct {
	// MaxSlaves sizes the slave table.
	MaxSlaves int `yaml:"max_slaves" validate:"required,min=1,max=65535"`

	// StationAddrBase is assigned to slave position 0, subsequent
	// positions count up from it.
	StationAddrBase uint16 `yaml:"station_addr_base"`

	// MailboxTimeoutCycles bounds the wait for a mailbox response.
	MailboxTimeoutCycles int `yaml:"mailbox_timeout_cycles" validate:"min=1"`

	// MailboxPayloadMax caps a single mailbox transfer. Must fit the
	// smallest mailbox sync manager of the ring.
	MailboxPayloadMax int `yaml:"mailbox_payload_max" validate:"min=16"`

	// Transition timeout budgets per target state, in cycles.
	PreOpTimeoutCycles  int `yaml:"preop_timeout_cycles" validate:"min=1"`
	SafeOpTimeoutCycles int `yaml:"safeop_timeout_cycles" validate:"min=1"`
	OpTimeoutCycles     int `yaml:"op_timeout_cycles" validate:"min=1"`
	InitTimeoutCycles   int `yaml:"init_timeout_cycles" validate:"min=1"`

	// DCLatchPasses is the number of broadcast latch rounds averaged into
	// one delay measurement.
	DCLatchPasses int `yaml:"dc_latch_passes" validate:"min=1,max=64"`
}

// DefaultConfig mirrors the timeout proportions of the reference timings
// (PreOp transitions are granted less time than SafeOp/Op ones, dropping
// back to Init the most).
func DefaultConfig() *Config {
	return &Config{
		MaxSlaves:            64,
		StationAddrBase:      0x1000,
		MailboxTimeoutCycles: 2000,
		MailboxPayloadMax:    128,
		PreOpTimeoutCycles:   3000,
		SafeOpTimeoutCycles:  10000,
		OpTimeoutCycles:      10000,
		InitTimeoutCycles:    5000,
		DCLatchPasses:        8,
	}
}

// TransitionTimeoutCycles returns the cycle budget for a transition towards
// target.
func (c *Config) TransitionTimeoutCycles(target ALState) int {
	switch target {
	case PreOp, Boot:
		return c.PreOpTimeoutCycles
	case SafeOp:
		return c.SafeOpTimeoutCycles
	case Op:
		return c.OpTimeoutCycles
	case Init:
		return c.InitTimeoutCycles
	}
	return c.InitTimeoutCycles
}

// LoadConfig reads and validates a YAML network description. Unset fields
// fall back to the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ecnet: reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ecnet: parsing config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a configuration against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("ecnet: invalid config: %w", err)
	}
	return nil
}
