// Package sandbox runs one command string inside a disposable container
// with deterministic isolation and a hard upper bound on wall time.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Stream tags passed to OnChunk.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Sandbox failures the caller can classify. These end up in a job's
// errorMessage, so the text is operator-facing.
var (
	// ErrSandboxUnavailable means the container runtime cannot be reached.
	ErrSandboxUnavailable = errors.New("container runtime unavailable")
	// ErrImagePullFailed means the runtime image could not be fetched.
	ErrImagePullFailed = errors.New("image pull failed")
	// ErrSpawnFailed means the runtime rejected container create or start.
	ErrSpawnFailed = errors.New("container spawn failed")
)

// Exit codes reported for runs the runner terminated itself.
const (
	ExitTimedOut  = 124
	ExitCancelled = 130
)

// maxPidsLimit caps the process count inside any container.
const maxPidsLimit = 32

// Limits bound one container. Zero values take the runner's configured
// defaults.
type Limits struct {
	MemoryBytes int64
	CPUCores    float64
	PidsLimit   int64
	TmpfsMb     int
}

// RunSpec describes one sandbox invocation.
type RunSpec struct {
	// Command is passed unparsed to /bin/sh -c inside the container.
	Command string
	// WorkspaceDir is a host directory with the job's extracted inputs,
	// bind-mounted read-write at the fixed workspace path.
	WorkspaceDir string
	// Image overrides runtime selection; empty means "pick by heuristic".
	Image string
	// WorkDir overrides the container working directory; empty means the
	// workspace mount point.
	WorkDir string
	Limits  Limits
	// Deadline is the absolute wall-clock bound; zero means the configured
	// default timeout from now.
	Deadline time.Time
	// Cancel, when raised, kills the container and marks the run cancelled.
	Cancel <-chan struct{}
	// OnChunk is called synchronously with each captured output fragment,
	// tagged "stdout" or "stderr". May be nil.
	OnChunk func(stream string, data []byte)
}

// RunResult is the outcome of one sandbox invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// TimedOut is set when the deadline killed the run (exit 124).
	TimedOut bool
	// Cancelled is set when the cancel signal killed the run (exit 130).
	Cancelled bool
	Duration  time.Duration
}

// Runner executes commands in isolation.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Close() error
}

// Runtime images matched by the command heuristic.
const (
	imagePython = "python:3.12-slim"
	imageNode   = "node:20-slim"
	imageGcc    = "gcc:13"
	imageJdk    = "eclipse-temurin:21-jdk"
	imageDotnet = "mcr.microsoft.com/dotnet/sdk:8.0"
)

// RuntimeSelector maps a command string to the container image it runs in.
type RuntimeSelector func(command string) string

// DefaultSelector returns the substring heuristic, checked in priority
// order over the lowercased command. fallback is the image used when no
// runtime keyword matches.
func DefaultSelector(fallback string) RuntimeSelector {
	return func(command string) string {
		c := strings.ToLower(command)
		switch {
		case strings.Contains(c, "python") || strings.Contains(c, "py "):
			return imagePython
		case strings.Contains(c, "node") || strings.Contains(c, "npm"):
			return imageNode
		case strings.Contains(c, "g++") || strings.Contains(c, "gcc"):
			return imageGcc
		case strings.Contains(c, "java"):
			// Covers javac as well.
			return imageJdk
		case strings.Contains(c, "dotnet"):
			return imageDotnet
		default:
			return fallback
		}
	}
}
