// Package runner defines the boundary to the compile/execute engine. The
// coordination layer treats that engine as an opaque capability: compile
// produces a compiled unit or a diagnostic, run produces a sequence of
// output chunks or a diagnostic. Diagnostics are surfaced verbatim and
// never interpreted here.
package runner

import "context"

// Artifact is a program submitted for compilation and execution.
type Artifact struct {
	// Runtime selects which registered Runtime handles the artifact.
	Runtime string `json:"runtime"`

	// Source is the program text. Entrypoint optionally names the file it
	// should be written to before compilation.
	Source     string `json:"source"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// CompiledUnit is an opaque handle to a successfully compiled artifact,
// passed unchanged from Compile to Run.
type CompiledUnit struct {
	Runtime string
	// Ref locates the compiled output (a path, an object key — whatever the
	// Runtime chose).
	Ref string
}

// Result is the terminal outcome of running a compiled unit.
type Result struct {
	ExitCode   int    `json:"exit_code"`
	Diagnostic string `json:"diagnostic,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

// Runtime is implemented by each concrete compile/execute engine.
type Runtime interface {
	// Compile builds the artifact under the session's effective
	// configuration. A compilation failure is returned as an error whose
	// message is the opaque diagnostic.
	Compile(ctx context.Context, a Artifact, config map[string]any) (CompiledUnit, error)

	// Run executes a compiled unit, invoking emit for each output chunk as
	// it becomes available. Run returns only when execution has terminated,
	// so a caller that cancelled ctx can treat the return as confirmation.
	Run(ctx context.Context, unit CompiledUnit, emit func(data []byte)) (Result, error)

	// Capabilities reports which runtimes this engine can handle.
	Capabilities() Capabilities
}

// Capabilities describes what a Runtime supports.
type Capabilities struct {
	Name              string   `json:"name"`
	SupportedRuntimes []string `json:"supported_runtimes"`
	MaxConcurrency    int      `json:"max_concurrency"`
}
