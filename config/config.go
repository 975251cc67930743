// Package config loads the runtime's environment configuration table
// (spec §6): thread count/affinity/NUMA placement, idle policy, task
// stack size, copy-in implementation and wait discipline, and
// active-message queue mode. It follows the teacher's config layering:
// a typed struct with TOML tags and documented defaults
// (node/config/def.go), loadable from a TOML file
// (node/repo/fsrepo.go's encode/decode-from-disk pattern) and
// overlaid with explicit environment variables.
package config

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("config")

// Duration is time.Duration with TOML-friendly text (de)serialization,
// following node/config/def.go's Duration type.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// IdlePolicy selects how a worker behaves when it finds no runnable
// task (spec §4.6).
type IdlePolicy string

const (
	IdlePoll    IdlePolicy = "POLL"
	IdleUsleep  IdlePolicy = "USLEEP"
	IdleWait    IdlePolicy = "WAIT"
)

// CopyinImpl selects the COPYIN realization (spec §4.8).
type CopyinImpl string

const (
	CopyinGet      CopyinImpl = "GET"
	CopyinSendRecv CopyinImpl = "SENDRECV"
)

// CopyinWait selects the wait discipline for a copy-in transfer handle
// (spec §4.8).
type CopyinWait string

const (
	CopyinWaitBlock        CopyinWait = "BLOCK"
	CopyinWaitDetach       CopyinWait = "DETACH"
	CopyinWaitDetachInline CopyinWait = "DETACH_INLINE"
	CopyinWaitYield        CopyinWait = "YIELD"
)

// Threading holds the worker pool shape (spec §6 thread* keys).
type Threading struct {
	// Count is the number of scheduler worker threads. Zero means
	// "detect from runtime.NumCPU()".
	Count int
	// Affinity pins workers to specific cores when true.
	Affinity bool
	// NUMAPlacement honors per-NUMA-node global queues when true.
	NUMAPlacement bool
	// IdlePolicy selects spin/sleep/condvar idling.
	IdlePolicy IdlePolicy
	// IdleSleep is the USLEEP quantum.
	IdleSleep Duration
	// UtilityThreads is how many off-pool utility threads (spec §6
	// utility_thread(fn, data)) the frontend spawns for transport
	// polling, on top of the regular worker pool's own opportunistic
	// idle polling. Zero (the default) spawns none.
	UtilityThreads int
	// UtilityPollInterval is how often a utility thread spawned for
	// transport polling drives transport.Process.
	UtilityPollInterval Duration
}

// Tasking holds per-task resource sizing.
type Tasking struct {
	// StackSize is the per-context stack size in bytes. Go goroutines
	// grow their own stacks, so this does not allocate memory the way
	// the teacher's page-aligned C stacks do, but it is kept as a
	// configuration key for parity with spec §6 and used to size the
	// context manager's free-list capacity (StackSize/8192 parked
	// fibers per worker, see sched.New).
	StackSize int
}

// Copyin holds the copy-in task configuration (spec §4.8).
type Copyin struct {
	Impl CopyinImpl
	Wait CopyinWait
}

// AMsgQ holds the active-message queue mode (spec §4.7 / §6).
type AMsgQ struct {
	// Sync selects a barrier-terminated round instead of a buffered,
	// counted all-to-all exchange.
	Sync bool
	// Direct selects direct sends over staged (copy-into-slot) sends.
	Direct bool
}

// Config is the complete runtime configuration.
type Config struct {
	Threading Threading
	Tasking   Tasking
	Copyin    Copyin
	AMsgQ     AMsgQ
}

// Default returns the configuration the runtime uses absent a config
// file or environment overrides, following node/config/def.go's
// defCommon() pattern of a pure function returning filled-in defaults.
func Default() *Config {
	return &Config{
		Threading: Threading{
			Count:         runtime.NumCPU(),
			Affinity:      false,
			NUMAPlacement: true,
			IdlePolicy:    IdleUsleep,
			IdleSleep:     Duration(200 * time.Microsecond),
			UtilityPollInterval: Duration(2 * time.Millisecond),
		},
		Tasking: Tasking{
			StackSize: 2 << 20, // 2 MiB, spec §4.1 default
		},
		Copyin: Copyin{
			Impl: CopyinGet,
			Wait: CopyinWaitBlock,
		},
		AMsgQ: AMsgQ{
			Sync:   false,
			Direct: false,
		},
	}
}

// FromFile loads a TOML config file on top of Default(), following
// node/repo/fsrepo.go's load-into-default-struct pattern.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, xerrors.Errorf("reading config file %q: %w", path, err)
	}
	if _, err := toml.Decode(string(buf), cfg); err != nil {
		return nil, xerrors.Errorf("decoding config file %q: %w", path, err)
	}
	return cfg, nil
}

// WithEnv overlays the spec §6 environment variables onto cfg and
// returns it for chaining. Unset variables leave the prior value
// untouched.
func (cfg *Config) WithEnv() *Config {
	if v, ok := os.LookupEnv("DASH_THREAD_COUNT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threading.Count = n
		} else {
			log.Warnw("ignoring malformed DASH_THREAD_COUNT", "value", v)
		}
	}
	if v, ok := os.LookupEnv("DASH_THREAD_AFFINITY"); ok {
		cfg.Threading.Affinity = isTruthy(v)
	}
	if v, ok := os.LookupEnv("DASH_NUMA_PLACEMENT"); ok {
		cfg.Threading.NUMAPlacement = isTruthy(v)
	}
	if v, ok := os.LookupEnv("DASH_THREAD_IDLE_POLICY"); ok {
		cfg.Threading.IdlePolicy = IdlePolicy(v)
	}
	if v, ok := os.LookupEnv("DASH_THREAD_IDLE_SLEEP_US"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threading.IdleSleep = Duration(time.Duration(n) * time.Microsecond)
		} else {
			log.Warnw("ignoring malformed DASH_THREAD_IDLE_SLEEP_US", "value", v)
		}
	}
	if v, ok := os.LookupEnv("DASH_UTILITY_THREADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threading.UtilityThreads = n
		} else {
			log.Warnw("ignoring malformed DASH_UTILITY_THREADS", "value", v)
		}
	}
	if v, ok := os.LookupEnv("DASH_TASK_STACK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasking.StackSize = n
		} else {
			log.Warnw("ignoring malformed DASH_TASK_STACK_SIZE", "value", v)
		}
	}
	if v, ok := os.LookupEnv("DASH_COPYIN_IMPL"); ok {
		cfg.Copyin.Impl = CopyinImpl(v)
	}
	if v, ok := os.LookupEnv("DASH_COPYIN_WAIT"); ok {
		cfg.Copyin.Wait = CopyinWait(v)
	}
	if v, ok := os.LookupEnv("DASH_AMSGQ_SYNC"); ok {
		cfg.AMsgQ.Sync = isTruthy(v)
	}
	if v, ok := os.LookupEnv("DASH_AMSGQ_DIRECT"); ok {
		cfg.AMsgQ.Direct = isTruthy(v)
	}
	return cfg
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Encode renders cfg as TOML, mirroring cmd/lotus/config.go's
// "config default" command.
func (cfg *Config) Encode() (string, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return "", xerrors.Errorf("encoding config: %w", err)
	}
	return buf.String(), nil
}
