package local

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/faults"
	"github.com/mqic/communicator/pkg/log"
)

const stderrTailLines = 5

// ProgressSink receives progress markers emitted by a running tool
type ProgressSink interface {
	OnStatus(text string)
	OnProgress(percent int)
	OnSubtask(text string)
}

// NopSink discards all progress markers
type NopSink struct{}

func (NopSink) OnStatus(string)  {}
func (NopSink) OnProgress(int)   {}
func (NopSink) OnSubtask(string) {}

// Result is the outcome of one subprocess run
type Result struct {
	ReturnCode int
	Duration   time.Duration
	Stdout     []string
	Stderr     []string
}

// Command describes one subprocess invocation
type Command struct {
	Executable string
	Args       []string
	WorkDir    string
	InputDir   string   // Validated to exist before launch, empty to skip
	OutputDirs []string // Created before launch
}

// Executor launches local tools and tracks their progress output
type Executor struct {
	logger zerolog.Logger
}

// NewExecutor creates a local executor
func NewExecutor() *Executor {
	return &Executor{logger: log.WithComponent("local")}
}

// Run executes the command to completion. Progress markers on stdout are
// delivered to the sink as they arrive. A non-zero exit code is returned
// as a classified error alongside the full result.
func (e *Executor) Run(ctx context.Context, cmd Command, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}

	if err := e.validate(cmd); err != nil {
		return nil, err
	}
	for _, dir := range cmd.OutputDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, faults.New("local.exec", faults.System,
				fmt.Errorf("create output dir: %w", err))
		}
	}

	proc := exec.CommandContext(ctx, cmd.Executable, cmd.Args...)
	proc.Dir = cmd.WorkDir

	stdoutPipe, err := proc.StdoutPipe()
	if err != nil {
		return nil, faults.New("local.exec", faults.System, err)
	}
	stderrPipe, err := proc.StderrPipe()
	if err != nil {
		return nil, faults.New("local.exec", faults.System, err)
	}

	start := time.Now()
	if err := proc.Start(); err != nil {
		return nil, faults.New("local.exec", faults.Configuration,
			fmt.Errorf("start %s: %w", cmd.Executable, err))
	}

	var (
		wg          sync.WaitGroup
		stdoutLines []string
		stderrLines []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdoutLines = append(stdoutLines, line)
			e.dispatchMarker(line, sink)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrLines = append(stderrLines, scanner.Text())
		}
	}()

	waitErr := func() error {
		wg.Wait()
		return proc.Wait()
	}()

	result := &Result{
		Duration: time.Since(start),
		Stdout:   stdoutLines,
		Stderr:   stderrLines,
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			result.ReturnCode = -1
		}
		if ctx.Err() != nil {
			return result, faults.New("local.exec", faults.System,
				fmt.Errorf("%s: %w", cmd.Executable, ctx.Err()))
		}
		tail := stderrTail(stderrLines)
		category := faults.ClassifyExit(result.ReturnCode, strings.Join(tail, "\n"))
		if category == faults.Unknown {
			category = faults.Application
		}
		return result, faults.New("local.exec", category,
			fmt.Errorf("%s exited %d: %s", cmd.Executable, result.ReturnCode, strings.Join(tail, " | ")))
	}
	return result, nil
}

func (e *Executor) validate(cmd Command) error {
	if _, err := exec.LookPath(cmd.Executable); err != nil {
		return faults.New("local.exec", faults.Configuration,
			fmt.Errorf("executable %s: %w", cmd.Executable, err))
	}
	if cmd.InputDir != "" {
		info, err := os.Stat(cmd.InputDir)
		if err != nil {
			return faults.New("local.exec", faults.Configuration,
				fmt.Errorf("input dir %s: %w", cmd.InputDir, err))
		}
		if !info.IsDir() {
			return faults.Newf("local.exec", faults.Configuration,
				"input path %s is not a directory", cmd.InputDir)
		}
	}
	return nil
}

func (e *Executor) dispatchMarker(line string, sink ProgressSink) {
	switch {
	case strings.HasPrefix(line, "STATUS:: "):
		sink.OnStatus(strings.TrimPrefix(line, "STATUS:: "))
	case strings.HasPrefix(line, "PROGRESS:: "):
		raw := strings.TrimSpace(strings.TrimPrefix(line, "PROGRESS:: "))
		if percent, err := strconv.Atoi(raw); err == nil && percent >= 0 && percent <= 100 {
			sink.OnProgress(percent)
		}
	case strings.HasPrefix(line, "SUBTASK:: "):
		sink.OnSubtask(strings.TrimPrefix(line, "SUBTASK:: "))
	}
}

func stderrTail(lines []string) []string {
	if len(lines) <= stderrTailLines {
		return lines
	}
	return lines[len(lines)-stderrTailLines:]
}
