package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the runner's concurrency limits
type Config struct {
	// PublishConcurrency bounds how many committed flow files are published at once
	PublishConcurrency int
	Source             ConfigSource
	IsKubernetes       bool
	EffectiveCPUs      int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	return loadConfig(os.Getenv, runtime.GOMAXPROCS(0))
}

func loadConfig(getenv func(string) string, cpus int) *Config {
	config := &Config{
		IsKubernetes:  getenv("KUBERNETES_SERVICE_HOST") != "",
		EffectiveCPUs: cpus,
	}

	if n := envInt(getenv, "DAEDALUS_PUBLISH_CONCURRENCY"); n > 0 {
		config.PublishConcurrency = n
		config.Source = ConfigSourceEnvVar
	} else if multiplier := envInt(getenv, "DAEDALUS_CONCURRENCY_MULTIPLIER"); multiplier > 0 {
		config.PublishConcurrency = cpus * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.PublishConcurrency = defaultPublishConcurrency(config.IsKubernetes, cpus)
		config.Source = ConfigSourceAutoDetect
	}

	if config.PublishConcurrency < 1 {
		config.PublishConcurrency = 1
	}
	return config
}

// defaultPublishConcurrency is conservative inside Kubernetes where CPU is quota-limited
func defaultPublishConcurrency(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func envInt(getenv func(string) string, key string) int {
	if value := getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return 0
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{PublishConcurrency: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.PublishConcurrency,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
