// Package config is the typed settings struct cmd/workflows populates from
// cobra flags bound through viper: flags and env vars feed a plain struct,
// then Validate applies defaults and rejects nonsensical combinations.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/swarmguard/workflows/internal/workflowerr"
)

// Config is the full set of knobs a workflows process needs: where the
// database lives, and the worker loop's batch/poll/timeout/retry shape.
type Config struct {
	DatabaseDSN        string
	NATSURL            string // empty disables the NATS notifier
	WorkerID           string
	BatchSize          int
	PollIntervalMS     int
	MaxPollWaitMS      int
	VisibilityTimeoutS int
	TaskTimeoutMS      int
	BatchFailureRatio  float64
	JSONLog            bool
}

func (c *Config) PollInterval() time.Duration      { return time.Duration(c.PollIntervalMS) * time.Millisecond }
func (c *Config) MaxPollWait() time.Duration       { return time.Duration(c.MaxPollWaitMS) * time.Millisecond }
func (c *Config) VisibilityTimeout() time.Duration { return time.Duration(c.VisibilityTimeoutS) * time.Second }
func (c *Config) TaskTimeout() time.Duration       { return time.Duration(c.TaskTimeoutMS) * time.Millisecond }

// Validate applies defaults for unset numeric fields and rejects a config
// with no database DSN: every operation in this engine needs one.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return workflowerr.Validation("database dsn is required (--dsn or WORKFLOWS_DSN)")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 200
	}
	if c.MaxPollWaitMS <= 0 {
		c.MaxPollWaitMS = 5000
	}
	if c.VisibilityTimeoutS <= 0 {
		c.VisibilityTimeoutS = 30
	}
	if c.TaskTimeoutMS <= 0 {
		c.TaskTimeoutMS = 30000
	}
	if c.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		c.WorkerID = hostname + "-" + strconv.Itoa(os.Getpid())
	}
	return nil
}
