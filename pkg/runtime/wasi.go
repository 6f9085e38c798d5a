// Package runtime runs WASI command modules in a sandboxed, preopened
// directory using wazero, a pure-Go WebAssembly runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmSetupError reports a module that could not be compiled, linked, or
// instantiated - a problem in the module or its configuration, not in its
// own logic.
type WasmSetupError struct {
	Err error
}

func (e *WasmSetupError) Error() string { return fmt.Sprintf("runtime: setup failed: %v", e.Err) }
func (e *WasmSetupError) Unwrap() error { return e.Err }

// WasmTrapError reports a module that instantiated successfully but
// trapped during execution (for any reason other than a WASI proc_exit).
type WasmTrapError struct {
	Err error
}

func (e *WasmTrapError) Error() string { return fmt.Sprintf("runtime: trapped: %v", e.Err) }
func (e *WasmTrapError) Unwrap() error { return e.Err }

// WasiRuntime compiles and runs WASI command modules. One instance may be
// reused across many job runs; each Run call gets its own module instance
// so concurrent runs (were the scheduler ever to allow them) don't share
// memory.
type WasiRuntime struct {
	rt wazero.Runtime
}

// New constructs a WasiRuntime with the WASI preview1 host module
// instantiated and ready.
func New(ctx context.Context) (*WasiRuntime, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("runtime: instantiate wasi_snapshot_preview1: %w", err)
	}
	return &WasiRuntime{rt: rt}, nil
}

// Close releases the runtime and every module it compiled.
func (w *WasiRuntime) Close(ctx context.Context) error {
	return w.rt.Close(ctx)
}

// RunConfig configures a single job execution.
type RunConfig struct {
	// ModulePath is the path to the compiled .wasm file on the host.
	ModulePath string
	Argv       []string
	Env        map[string]string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	// SandboxRoot is preopened to the guest as "/".
	SandboxRoot string
}

// Run executes a module's _start entry point under the given
// configuration and classifies the outcome into a three-way
// split: a normal return or an explicit proc_exit yields an exit code
// with a nil error; any other failure yields a *WasmSetupError (compile/
// link/instantiate problems) or *WasmTrapError (a runtime trap), both of
// which the caller treats as job failure.
func (w *WasiRuntime) Run(ctx context.Context, cfg RunConfig) (exitCode uint32, err error) {
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return 0, &WasmSetupError{Err: fmt.Errorf("read module: %w", err)}
	}

	compiled, err := w.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return 0, &WasmSetupError{Err: fmt.Errorf("compile: %w", err)}
	}
	defer compiled.Close(ctx)

	fsConfig := wazero.NewFSConfig().WithDirMount(cfg.SandboxRoot, "/")
	modConfig := wazero.NewModuleConfig().
		WithArgs(append([]string{"_start"}, cfg.Argv...)...).
		WithFSConfig(fsConfig).
		// Disable wazero's default auto-invocation of _start at
		// instantiation time, so instantiation only ever reports link
		// problems (missing imports, bad signatures) and never a trap
		// or exit raised by running guest code.
		WithStartFunctions()
	if cfg.Stdin != nil {
		modConfig = modConfig.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		modConfig = modConfig.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		modConfig = modConfig.WithStderr(cfg.Stderr)
	}
	for k, v := range cfg.Env {
		modConfig = modConfig.WithEnv(k, v)
	}

	mod, err := w.rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return 0, &WasmSetupError{Err: fmt.Errorf("instantiate: %w", err)}
	}
	defer mod.Close(ctx)

	start := mod.ExportedFunction("_start")
	if start == nil {
		return 0, &WasmSetupError{Err: errors.New("module does not export a _start function")}
	}

	if _, err := start.Call(ctx); err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, &WasmTrapError{Err: err}
	}
	return 0, nil
}
