package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

// defaultEntrypoints maps each runtime name to its default source filename.
var defaultEntrypoints = map[string]string{
	"python": "main.py",
	"node":   "index.js",
	"exec":   "main",
}

// defaultCommands maps each runtime name to its compile and run command
// templates. The entrypoint path is appended as the final argument.
var defaultCommands = map[string]struct {
	compile []string
	run     []string
}{
	"python": {compile: []string{"python3", "-m", "py_compile"}, run: []string{"python3", "-u"}},
	"node":   {run: []string{"node"}},
}

// ExecSettings is the subset of the effective configuration consumed by the
// Exec runtime, decoded from the "exec" key of the overlaid config.
type ExecSettings struct {
	CompileCmd []string          `mapstructure:"compile_cmd"`
	RunCmd     []string          `mapstructure:"run_cmd"`
	WorkDir    string            `mapstructure:"work_dir"`
	Entrypoint string            `mapstructure:"entrypoint"`
	Env        map[string]string `mapstructure:"env"`
}

// Exec is a Runtime that compiles and runs artifacts as subprocesses,
// streaming stdout line by line as output chunks. Cancellation is
// cooperative: the context kills the process and Run returns once the
// process has actually exited.
type Exec struct {
	// BaseDir is the parent for per-artifact work directories when the
	// configuration does not name one.
	BaseDir string

	mu sync.Mutex
	// units remembers the settings resolved at compile time for each
	// compiled unit, keyed by Ref, so Run honors the same session config.
	units map[string]ExecSettings
}

// NewExec creates a subprocess runtime rooted at baseDir.
func NewExec(baseDir string) *Exec {
	return &Exec{
		BaseDir: baseDir,
		units:   make(map[string]ExecSettings),
	}
}

// Capabilities reports the runtimes the subprocess engine handles.
func (e *Exec) Capabilities() Capabilities {
	return Capabilities{
		Name:              "exec",
		SupportedRuntimes: []string{"python", "node", "exec"},
		MaxConcurrency:    0, // unbounded; the engine owns admission
	}
}

// settings extracts ExecSettings from the effective configuration and fills
// in runtime defaults.
func (e *Exec) settings(a Artifact, config map[string]any) (ExecSettings, error) {
	var s ExecSettings
	if raw, ok := config["exec"]; ok {
		if err := mapstructure.Decode(raw, &s); err != nil {
			return s, fmt.Errorf("decode exec settings: %w", err)
		}
	}

	if s.Entrypoint == "" {
		s.Entrypoint = a.Entrypoint
	}
	if s.Entrypoint == "" {
		s.Entrypoint = defaultEntrypoints[a.Runtime]
	}
	if s.Entrypoint == "" {
		return s, fmt.Errorf("no entrypoint for runtime %q", a.Runtime)
	}
	// Entrypoint must stay inside the work directory.
	if filepath.IsAbs(s.Entrypoint) || strings.Contains(s.Entrypoint, "..") {
		return s, fmt.Errorf("invalid entrypoint %q", s.Entrypoint)
	}

	defaults := defaultCommands[a.Runtime]
	if len(s.CompileCmd) == 0 {
		s.CompileCmd = defaults.compile
	}
	if len(s.RunCmd) == 0 {
		s.RunCmd = defaults.run
	}
	if len(s.RunCmd) == 0 {
		return s, fmt.Errorf("no run command for runtime %q", a.Runtime)
	}
	return s, nil
}

// Compile writes the artifact source into a work directory and runs the
// compile command, if any. A non-zero exit is returned as an error carrying
// the compiler's combined output as the opaque diagnostic.
func (e *Exec) Compile(ctx context.Context, a Artifact, config map[string]any) (CompiledUnit, error) {
	s, err := e.settings(a, config)
	if err != nil {
		return CompiledUnit{}, err
	}

	workDir := s.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp(e.BaseDir, "crucible-*")
		if err != nil {
			return CompiledUnit{}, fmt.Errorf("create work dir: %w", err)
		}
	}

	entry := filepath.Join(workDir, s.Entrypoint)
	if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
		return CompiledUnit{}, fmt.Errorf("create entrypoint dir: %w", err)
	}
	if err := os.WriteFile(entry, []byte(a.Source), 0o644); err != nil {
		return CompiledUnit{}, fmt.Errorf("write artifact: %w", err)
	}

	if len(s.CompileCmd) > 0 {
		args := append(append([]string{}, s.CompileCmd[1:]...), entry)
		cmd := exec.CommandContext(ctx, s.CompileCmd[0], args...)
		cmd.Dir = workDir
		cmd.Env = mergedEnv(s.Env)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return CompiledUnit{}, fmt.Errorf("%s", strings.TrimSpace(string(out)+"\n"+err.Error()))
		}
	}

	e.mu.Lock()
	e.units[entry] = s
	e.mu.Unlock()

	return CompiledUnit{Runtime: a.Runtime, Ref: entry}, nil
}

// Run executes the compiled unit, emitting each stdout line as one output
// chunk. Stderr is collected into the result diagnostic. Run returns only
// after the process has exited, so cancellation observed by the caller is
// confirmed termination.
func (e *Exec) Run(ctx context.Context, unit CompiledUnit, emit func(data []byte)) (Result, error) {
	e.mu.Lock()
	s, ok := e.units[unit.Ref]
	delete(e.units, unit.Ref)
	e.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown compiled unit %q", unit.Ref)
	}

	return runCommand(ctx, s, unit.Ref, emit)
}

func runCommand(ctx context.Context, s ExecSettings, entry string, emit func(data []byte)) (Result, error) {
	args := append(append([]string{}, s.RunCmd[1:]...), entry)
	cmd := exec.CommandContext(ctx, s.RunCmd[0], args...)
	cmd.Dir = filepath.Dir(entry)
	cmd.Env = mergedEnv(s.Env)
	// Grandchildren can hold the stdout pipe open past the main process's
	// death; WaitDelay makes Wait force-close it instead of hanging.
	cmd.WaitDelay = 3 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if emit != nil {
				emit([]byte(scanner.Text()))
			}
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-scanDone
	res := Result{DurationMS: int(time.Since(start).Milliseconds())}

	if waitErr != nil {
		if ctx.Err() != nil {
			// Cancelled or timed out; the process is confirmed gone.
			return res, ctx.Err()
		}
		res.ExitCode = 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		res.Diagnostic = strings.TrimSpace(stderr.String() + "\n" + waitErr.Error())
		return res, fmt.Errorf("%s", res.Diagnostic)
	}

	res.Diagnostic = strings.TrimSpace(stderr.String())
	return res, nil
}

// mergedEnv layers extra variables on the parent environment.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
