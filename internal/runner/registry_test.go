package runner_test

import (
	"context"
	"testing"

	"github.com/crucible-run/crucible/internal/runner"
)

// stubRuntime is a no-op Runtime for registry tests.
type stubRuntime struct {
	name string
}

func (s *stubRuntime) Compile(_ context.Context, _ runner.Artifact, _ map[string]any) (runner.CompiledUnit, error) {
	return runner.CompiledUnit{Runtime: s.name}, nil
}

func (s *stubRuntime) Run(_ context.Context, _ runner.CompiledUnit, _ func([]byte)) (runner.Result, error) {
	return runner.Result{}, nil
}

func (s *stubRuntime) Capabilities() runner.Capabilities {
	return runner.Capabilities{Name: s.name, SupportedRuntimes: []string{s.name}}
}

func TestRegistryResolve(t *testing.T) {
	reg := runner.NewRegistry()
	py := &stubRuntime{name: "python"}
	reg.Register("python", py)

	got, err := reg.Resolve("python")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != runner.Runtime(py) {
		t.Error("Resolve returned a different runtime than registered")
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := runner.NewRegistry()
	if _, err := reg.Resolve("fortran"); err == nil {
		t.Error("Resolve of unregistered runtime should error")
	}
}

func TestRegistryResolveAuto(t *testing.T) {
	reg := runner.NewRegistry()
	if _, err := reg.Resolve(runner.RuntimeAuto); err == nil {
		t.Error("auto with no candidates should error")
	}

	py := &stubRuntime{name: "python"}
	reg.Register("python", py)

	got, err := reg.Resolve(runner.RuntimeAuto)
	if err != nil {
		t.Fatalf("Resolve auto: %v", err)
	}
	if got != runner.Runtime(py) {
		t.Error("auto did not resolve to the registered python runtime")
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("python", &stubRuntime{name: "python"})
	reg.Register("exec", &stubRuntime{name: "exec"})
	reg.Register("node", &stubRuntime{name: "node"})

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(infos))
	}
	want := []string{"exec", "node", "python"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("List[%d].Name = %q, want %q", i, info.Name, want[i])
		}
	}
}
