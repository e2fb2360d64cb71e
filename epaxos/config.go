package epaxos

import (
	"fmt"
	"time"
)

type Config struct {
	// CommitGracePeriod is how long an execution gap may persist before the
	// replica that leads the stalled instance starts recovering it.
	CommitGracePeriod time.Duration
	// CommitGraceShift is added once per rank, so replicas further from the
	// stalled instance's leader in id order wait longer.
	CommitGraceShift time.Duration
	// WaitCommitPeriod and MaxWaitCommitTries bound how long one execution
	// pass waits for a dependency to show up committed.
	WaitCommitPeriod   time.Duration
	MaxWaitCommitTries int
	// ConflictSeqFromMerged indexes a pre-accepted instance under its merged
	// seq instead of the seq the command leader proposed.
	ConflictSeqFromMerged bool
}

func DefaultConfig() Config {
	return Config{
		CommitGracePeriod:  7000 * time.Millisecond,
		CommitGraceShift:   1000 * time.Millisecond,
		WaitCommitPeriod:   500 * time.Millisecond,
		MaxWaitCommitTries: 5,
	}
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func (c Config) Validate() error {
	if c.CommitGracePeriod < 0 {
		return &ConfigError{"CommitGracePeriod", "must not be negative"}
	}
	if c.CommitGraceShift < 0 {
		return &ConfigError{"CommitGraceShift", "must not be negative"}
	}
	if c.WaitCommitPeriod < 0 {
		return &ConfigError{"WaitCommitPeriod", "must not be negative"}
	}
	if c.MaxWaitCommitTries < 0 {
		return &ConfigError{"MaxWaitCommitTries", "must not be negative"}
	}
	return nil
}
