// Package config loads the settings a ray-submit process needs to
// construct a submitter.Submitter and its collaborators: the
// submitter's own tunables (mirrored from submitter.Config) plus the
// addresses of the collaborator endpoints this repository wires up.
package config

import (
	"fmt"
	"time"

	"github.com/buildbarn/bonanza/pkg/submitter"
	"github.com/spf13/viper"
)

// Configuration is the top-level structure decoded from a YAML
// configuration file.
type Configuration struct {
	Submitter SubmitterConfig `mapstructure:"submitter"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SubmitterConfig maps 1:1 onto the tunables of submitter.Config
// (§6), plus the local raylet address every process needs to reach.
type SubmitterConfig struct {
	MaxTasksInFlightPerWorker                    int           `mapstructure:"maxTasksInFlightPerWorker"`
	MaxPendingLeaseRequestsPerSchedulingCategory int           `mapstructure:"maxPendingLeaseRequestsPerSchedulingCategory"`
	LeaseTimeout                                 time.Duration `mapstructure:"leaseTimeout"`
	CancellationRetry                            time.Duration `mapstructure:"cancellationRetry"`
	Role                                         string        `mapstructure:"role"`
	LocalRayletAddress                           string        `mapstructure:"localRayletAddress"`
	JobID                                        string        `mapstructure:"jobID"`
}

// LoggingConfig controls the text-vs-JSON choice made at the
// command-line entry point; the core package never sees this.
type LoggingConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// MetricsConfig holds a listen address for the process's Prometheus
// registry. It is decoded but not read by any command in this
// repository; ray-submit does not serve metrics over HTTP.
type MetricsConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

// DefaultConfiguration mirrors submitter.DefaultConfig, expressed in
// the decoded shape, so a caller that supplies no file at all still
// gets a runnable configuration.
func DefaultConfiguration() Configuration {
	defaults := submitter.DefaultConfig()
	return Configuration{
		Submitter: SubmitterConfig{
			MaxTasksInFlightPerWorker:                    defaults.MaxTasksInFlightPerWorker,
			MaxPendingLeaseRequestsPerSchedulingCategory: defaults.MaxPendingLeaseRequestsPerSchedulingCategory,
			LeaseTimeout:       defaults.LeaseTimeout,
			CancellationRetry:  defaults.CancellationRetry,
			Role:               "worker",
			LocalRayletAddress: "localhost:6379",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
		},
	}
}

// ToSubmitterConfig converts the decoded configuration into the
// submitter.Config the core package expects, rejecting an
// unrecognized Role rather than silently defaulting one in.
func (c SubmitterConfig) ToSubmitterConfig() (submitter.Config, error) {
	var role submitter.WorkerRole
	switch c.Role {
	case "worker":
		role = submitter.RoleWorker
	case "driver":
		role = submitter.RoleDriver
	default:
		return submitter.Config{}, fmt.Errorf("unknown submitter role %q, must be \"worker\" or \"driver\"", c.Role)
	}
	return submitter.Config{
		MaxTasksInFlightPerWorker:                    c.MaxTasksInFlightPerWorker,
		MaxPendingLeaseRequestsPerSchedulingCategory: c.MaxPendingLeaseRequestsPerSchedulingCategory,
		LeaseTimeout:       c.LeaseTimeout,
		CancellationRetry:  c.CancellationRetry,
		Role:               role,
		LocalRayletAddress: submitter.RayletAddress(c.LocalRayletAddress),
		JobID:              c.JobID,
	}, nil
}

// Load reads defaults into config, merges in every file named by
// paths in order (each element is one file path; a comma-separated
// --config value has already been split by pflag.StringSlice), and
// decodes the result. It rejects any file that fails to
// parse rather than silently falling back to the defaults already in
// config.
func Load(paths []string) (Configuration, error) {
	config := DefaultConfiguration()

	v := viper.New()
	v.SetConfigType("yaml")

	for _, path := range paths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Configuration{}, fmt.Errorf("failed to load configuration file %q: %w", path, err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return Configuration{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return config, nil
}
