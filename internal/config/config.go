// GRIDRUN Configuration
// Environment-driven settings for the coordinator and the worker agent.
// A .env file in the working directory is loaded first when present.

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gridrun/pkg/models"
)

// Coordinator holds every knob the coordinator process reads at startup.
type Coordinator struct {
	ListenAddr string

	// Scheduler timing. The sweep also runs on submit/heartbeat/result
	// events; the period is only the upper bound between passes.
	SweepPeriod      time.Duration
	HeartbeatTimeout time.Duration
	WorkerCooldown   time.Duration

	JobDefaults JobDefaults

	// State persistence. Store selects the backend: "bolt" (default),
	// "sql" or "memory".
	Store       string
	StorePath   string
	DatabaseDSN string

	// Rate limiting. RedisURL empty means the in-process limiter.
	RedisURL           string
	RateLimitPerMinute int

	// Archive storage. ArchiveStore is "local" or "s3".
	ArchiveStore string
	ArchiveDir   string
	S3Bucket     string
	S3Prefix     string

	// AgentTokenSecret signs worker session tokens. Empty disables agent
	// auth (dev mode).
	AgentTokenSecret string
	OutputCapBytes   int64
}

// JobDefaults fill in omitted submission fields.
type JobDefaults struct {
	TimeoutMs  int64
	Cpu        int
	RamMb      int
	MaxRetries int
}

// Agent holds the worker agent's settings.
type Agent struct {
	ServerURL string
	WorkerID  string
	Hostname  string

	// Channel selects how assignments arrive: "poll" (default) or "push".
	Channel           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	CancelPoll        time.Duration

	// MaxParallelJobs caps concurrent jobs; 0 means max(1, cpuCount/2).
	MaxParallelJobs int
	WorkspaceRoot   string

	Sandbox Sandbox
}

// Sandbox bounds every container the runner spawns.
type Sandbox struct {
	Enabled       bool
	TimeoutMs     int64
	MemoryBytes   int64
	CPUCores      float64
	TmpfsMb       int
	PidsLimit     int64
	PullTimeout   time.Duration
	DefaultImage  string
	// OutputCapBytes caps each of stdout/stderr per job.
	OutputCapBytes int64
}

// LoadCoordinator reads the coordinator configuration from the environment.
func LoadCoordinator() Coordinator {
	loadDotenv()
	return Coordinator{
		ListenAddr:       getEnv("COORDINATOR_ADDR", ":8080"),
		SweepPeriod:      getEnvMs("SCHEDULER_SWEEP_PERIOD_MS", 5000),
		HeartbeatTimeout: getEnvMs("SCHEDULER_HEARTBEAT_TIMEOUT_MS", 30000),
		WorkerCooldown:   getEnvMs("SCHEDULER_COOLDOWN_MS", 30000),
		JobDefaults: JobDefaults{
			TimeoutMs:  getEnvInt64("JOB_DEFAULT_TIMEOUT_MS", models.DefaultTimeoutMs),
			Cpu:        getEnvInt("JOB_DEFAULT_CPU", models.DefaultRequiredCpu),
			RamMb:      getEnvInt("JOB_DEFAULT_RAM_MB", models.DefaultRequiredRamMb),
			MaxRetries: getEnvInt("JOB_DEFAULT_MAX_RETRIES", models.DefaultMaxRetries),
		},
		Store:              getEnv("STATE_STORE", "bolt"),
		StorePath:          getEnv("STATE_STORE_PATH", "gridrun.db"),
		DatabaseDSN:        getEnv("DATABASE_DSN", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 300),
		ArchiveStore:       getEnv("ARCHIVE_STORE", "local"),
		ArchiveDir:         getEnv("ARCHIVE_DIR", "archives"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Prefix:           getEnv("S3_PREFIX", "gridrun"),
		AgentTokenSecret:   getEnv("AGENT_TOKEN_SECRET", ""),
		OutputCapBytes:     getEnvInt64("JOB_OUTPUT_CAP_BYTES", 10*1024*1024),
	}
}

// LoadAgent reads the worker agent configuration from the environment.
func LoadAgent() Agent {
	loadDotenv()
	hostname, _ := os.Hostname()
	return Agent{
		ServerURL:         getEnv("WORKER_SERVER_URL", "http://localhost:8080"),
		WorkerID:          getEnv("WORKER_ID", ""),
		Hostname:          getEnv("WORKER_HOSTNAME", hostname),
		Channel:           getEnv("WORKER_CHANNEL", "poll"),
		HeartbeatInterval: getEnvMs("WORKER_HEARTBEAT_INTERVAL_MS", 10000),
		PollInterval:      getEnvMs("WORKER_POLL_INTERVAL_MS", 5000),
		CancelPoll:        getEnvMs("WORKER_CANCEL_POLL_MS", 2000),
		MaxParallelJobs:   getEnvInt("WORKER_MAX_PARALLEL_JOBS", 0),
		WorkspaceRoot:     getEnv("WORKER_WORKSPACE_ROOT", filepath.Join(os.TempDir(), "gridrun-workspaces")),
		Sandbox:           loadSandbox(),
	}
}

func loadSandbox() Sandbox {
	return Sandbox{
		Enabled:        getEnvBool("SANDBOX_ENABLED", true),
		TimeoutMs:      getEnvInt64("SANDBOX_TIMEOUT_MS", 300000),
		MemoryBytes:    parseSize(getEnv("SANDBOX_MEMORY_LIMIT", "512m")),
		CPUCores:       getEnvFloat("SANDBOX_CPU_LIMIT", 2.0),
		TmpfsMb:        getEnvInt("SANDBOX_TMPFS_MB", 1024),
		PidsLimit:      int64(getEnvInt("SANDBOX_PIDS_LIMIT", 32)),
		PullTimeout:    getEnvMs("SANDBOX_IMAGE_PULL_TIMEOUT_MS", 600000),
		DefaultImage:   getEnv("SANDBOX_DEFAULT_IMAGE", "debian:bookworm-slim"),
		OutputCapBytes: getEnvInt64("JOB_OUTPUT_CAP_BYTES", 10*1024*1024),
	}
}

// parseSize converts "512m"/"2g"/"64k" (docker-style suffixes) to bytes.
// Bare numbers are bytes. Unparseable input falls back to 512 MiB.
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 512 * 1024 * 1024
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 512 * 1024 * 1024
	}
	return n * mult
}

func loadDotenv() {
	if err := godotenv.Load(); err != nil {
		// A missing .env is fine; env vars still apply.
		_ = godotenv.Load("../.env")
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvMs(key string, defaultMs int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMs)) * time.Millisecond
}
