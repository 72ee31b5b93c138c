package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/iteration"
)

// ConfigSource records how MaxConcurrent was decided
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config sizes the executor worker pool, the in-process action limiter and
// the dispatch fan-out of the engine.
type Config struct {
	MaxConcurrent int
	RunnerWorkers int
	DispatchMode  iteration.Strategy
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// sizing derives limits from the CPU budget. Inside Kubernetes the CPU quota
// is shared with sidecars, so the multipliers are smaller.
func sizing(k8s bool, cpus int) (maxConcurrent, workers int) {
	if k8s {
		return cpus * 2, max(cpus, 4)
	}
	return cpus * 4, max(cpus*2, 8)
}

// DefaultConfig ignores the environment and sizes from GOMAXPROCS alone
func DefaultConfig() *Config {
	cpus := runtime.GOMAXPROCS(0)
	maxConcurrent, workers := sizing(false, cpus)
	return &Config{
		MaxConcurrent: maxConcurrent,
		RunnerWorkers: workers,
		DispatchMode:  iteration.StrategyParallel,
		Source:        ConfigSourceDefault,
		EffectiveCPUs: cpus,
	}
}

// LoadConfig reads DAEDALUS_MAX_CONCURRENT (or DAEDALUS_CONCURRENCY_MULTIPLIER
// per CPU), DAEDALUS_RUNNER_WORKERS and DAEDALUS_DISPATCH_MODE, falling back
// to CPU based sizing. Call InitializeForKubernetes first so GOMAXPROCS
// reflects the container quota.
func LoadConfig() *Config {
	cfg := &Config{
		IsKubernetes:  os.Getenv("KUBERNETES_SERVICE_HOST") != "",
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceAutoDetect,
	}
	autoConcurrent, autoWorkers := sizing(cfg.IsKubernetes, cfg.EffectiveCPUs)

	switch {
	case envInt("DAEDALUS_MAX_CONCURRENT") > 0:
		cfg.MaxConcurrent = envInt("DAEDALUS_MAX_CONCURRENT")
		cfg.Source = ConfigSourceEnvVar
	case envInt("DAEDALUS_CONCURRENCY_MULTIPLIER") > 0:
		cfg.MaxConcurrent = cfg.EffectiveCPUs * envInt("DAEDALUS_CONCURRENCY_MULTIPLIER")
		cfg.Source = ConfigSourceEnvVar
	default:
		cfg.MaxConcurrent = autoConcurrent
	}
	cfg.MaxConcurrent = max(cfg.MaxConcurrent, 1)

	cfg.RunnerWorkers = envInt("DAEDALUS_RUNNER_WORKERS")
	if cfg.RunnerWorkers <= 0 {
		cfg.RunnerWorkers = autoWorkers
	}

	switch mode := iteration.Strategy(strings.ToLower(os.Getenv("DAEDALUS_DISPATCH_MODE"))); mode {
	case iteration.StrategySequential:
		cfg.DispatchMode = mode
	default:
		cfg.DispatchMode = iteration.StrategyParallel
	}
	return cfg
}

// envInt returns 0 when key is unset or not an integer
func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

func (c *Config) String() string {
	return fmt.Sprintf("max_concurrent=%d runner_workers=%d dispatch=%s k8s=%t cpus=%d source=%s",
		c.MaxConcurrent, c.RunnerWorkers, c.DispatchMode, c.IsKubernetes, c.EffectiveCPUs, c.Source)
}
