package process

import (
	"errors"
	"fmt"

	"kcore/internal/config"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid kernel configuration")

// Config sizes the kernel tables.
type Config struct {
	// MaxProc is the number of process table slots, the two bootstrap
	// processes included.
	MaxProc int
	// MaxFileID is the number of descriptor slots per process.
	MaxFileID int
	// MaxFiles is the number of file control blocks in the whole system.
	MaxFiles int
	// MaxPort is the highest port a socket can listen on.
	MaxPort int
	// PipeBufferSize is the capacity of every pipe, socket links included.
	PipeBufferSize int
	// ProcInfoMaxArgs caps the argument bytes copied into a ProcInfo record.
	ProcInfoMaxArgs int
}

// DefaultConfig returns the stock table sizes.
func DefaultConfig() Config {
	return FromKernelConfig(config.Default().Kernel)
}

// FromKernelConfig converts loaded kernel settings.
func FromKernelConfig(kc config.KernelConfig) Config {
	return Config{
		MaxProc:         kc.MaxProc,
		MaxFileID:       kc.MaxFileID,
		MaxFiles:        kc.MaxFiles,
		MaxPort:         kc.MaxPort,
		PipeBufferSize:  kc.PipeBufferSize,
		ProcInfoMaxArgs: kc.ProcInfoMaxArgs,
	}
}

// Validate checks that every table can be built.
func (c Config) Validate() error {
	switch {
	case c.MaxProc < 2:
		return fmt.Errorf("%w: MaxProc must leave room for the idle and init processes, got %d", ErrInvalidConfig, c.MaxProc)
	case c.MaxFileID <= 0:
		return fmt.Errorf("%w: MaxFileID must be positive, got %d", ErrInvalidConfig, c.MaxFileID)
	case c.MaxFiles <= 0:
		return fmt.Errorf("%w: MaxFiles must be positive, got %d", ErrInvalidConfig, c.MaxFiles)
	case c.MaxPort < 0:
		return fmt.Errorf("%w: MaxPort must not be negative, got %d", ErrInvalidConfig, c.MaxPort)
	case c.PipeBufferSize <= 0:
		return fmt.Errorf("%w: PipeBufferSize must be positive, got %d", ErrInvalidConfig, c.PipeBufferSize)
	case c.ProcInfoMaxArgs < 0:
		return fmt.Errorf("%w: ProcInfoMaxArgs must not be negative, got %d", ErrInvalidConfig, c.ProcInfoMaxArgs)
	}
	return nil
}
