package executor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
	"github.com/recfabric/rec/pkg/runtime"
	"github.com/recfabric/rec/pkg/storage"
	"github.com/rs/zerolog"
)

// PathEscapeError reports a user-supplied sandbox path that resolves
// outside the job's sandbox root. It is a hard, pre-execution error:
// This is raised before any filesystem I/O that uses
// the offending path.
type PathEscapeError struct {
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("executor: sandbox path %q escapes the sandbox root", e.Path)
}

// resolveSandboxPath computes the host path a guest-relative sandbox path
// p maps to, rejecting anything that would resolve outside dataDir. It
// resolves symlinks in dataDir and in the longest existing prefix of the
// joined path on every call (not just once at preparation time) so that a
// symlink planted during job execution can't be used to escape the
// sandbox when results are collected afterward.
func resolveSandboxPath(dataDir, p string) (string, error) {
	base, err := filepath.EvalSymlinks(dataDir)
	if err != nil {
		return "", fmt.Errorf("executor: resolve sandbox root: %w", err)
	}
	trimmed := strings.TrimLeft(filepath.ToSlash(p), "/")
	joined := filepath.Clean(filepath.Join(base, filepath.FromSlash(trimmed)))
	resolved, suffix := joined, ""
	for {
		r, err := filepath.EvalSymlinks(resolved)
		if err == nil {
			resolved = filepath.Join(r, suffix)
			break
		}
		parent := filepath.Dir(resolved)
		if parent == resolved {
			return "", fmt.Errorf("executor: resolve sandbox path %q: %w", p, err)
		}
		suffix = filepath.Join(filepath.Base(resolved), suffix)
		resolved = parent
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(os.PathSeparator)) {
		return "", &PathEscapeError{Path: p}
	}
	return resolved, nil
}

// prepareSandbox builds job_dir/data (the sandbox root to be preopened as
// "/"), precreating every directory in Dirs, materializing every Data
// entry, and precreating the parent directories of StdoutFile/StderrFile.
// Every user-supplied path - including Results and NamedResults, which
// aren't touched until collection - is escape-checked here, so a job with
// an escaping path is rejected before it runs. Each path is checked before
// any I/O that uses it; directories and data from earlier entries may
// already have been created inside dataDir when a later path is rejected.
func (e *Executor) prepareSandbox(dataDir string, info job.JobInfo) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("executor: create sandbox root: %w", err)
	}

	for _, d := range info.Dirs {
		p, err := resolveSandboxPath(dataDir, d)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("executor: precreate dir %q: %w", d, err)
		}
	}

	for sandboxPath, name := range info.Data {
		p, err := resolveSandboxPath(dataDir, sandboxPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("executor: precreate parent of %q: %w", sandboxPath, err)
		}
		if err := e.Storage.CopyToFile(name, p); err != nil {
			return fmt.Errorf("executor: materialize %q from %q: %w", sandboxPath, name, err)
		}
	}

	for _, f := range []string{info.StdoutFile, info.StderrFile} {
		if f == "" {
			continue
		}
		p, err := resolveSandboxPath(dataDir, f)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("executor: precreate parent of %q: %w", f, err)
		}
	}

	for _, r := range info.Results {
		if _, err := resolveSandboxPath(dataDir, r); err != nil {
			return err
		}
	}
	for p := range info.NamedResults {
		if _, err := resolveSandboxPath(dataDir, p); err != nil {
			return err
		}
	}

	return nil
}

// runJob prepares the sandbox, runs the module, collects results, and
// unconditionally removes job_dir afterward. Per-job failures are logged
// and counted; they never propagate to the scheduler loop.
func (e *Executor) runJob(ctx context.Context, info job.JobInfo) {
	jobID := newJobDirName()
	jobLog := log.WithJobID(jobID)
	jobDir := filepath.Join(e.Root, jobID)
	dataDir := filepath.Join(jobDir, "data")
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			jobLog.Warn().Err(err).Str("job_dir", jobDir).Msg("executor: cleanup failed")
		}
	}()

	if err := e.prepareSandbox(dataDir, info); err != nil {
		jobLog.Error().Err(err).Msg("executor: sandbox preparation failed, job rejected")
		e.Metrics.IncJobsFailed()
		return
	}

	modulePath := filepath.Join(jobDir, "module.wasm")
	if err := e.Storage.CopyToFile(info.WasmModule, modulePath); err != nil {
		jobLog.Error().Err(err).Str("wasm_module", info.WasmModule).Msg("executor: fetch wasm module failed")
		e.Metrics.IncJobsFailed()
		return
	}

	var stdin io.Reader
	if info.StdinFile != "" {
		stdinPath := filepath.Join(jobDir, "stdin.bin")
		if err := e.Storage.CopyToFile(info.StdinFile, stdinPath); err != nil {
			jobLog.Error().Err(err).Str("stdin_file", info.StdinFile).Msg("executor: fetch stdin failed")
			e.Metrics.IncJobsFailed()
			return
		}
		f, err := os.Open(stdinPath)
		if err != nil {
			jobLog.Error().Err(err).Msg("executor: open stdin failed")
			e.Metrics.IncJobsFailed()
			return
		}
		defer f.Close()
		stdin = f
	}

	stdout, closeStdout, err := e.openSandboxOutput(dataDir, info.StdoutFile)
	if err != nil {
		jobLog.Error().Err(err).Msg("executor: open stdout failed")
		e.Metrics.IncJobsFailed()
		return
	}
	defer closeStdout()

	stderr, closeStderr, err := e.openSandboxOutput(dataDir, info.StderrFile)
	if err != nil {
		jobLog.Error().Err(err).Msg("executor: open stderr failed")
		e.Metrics.IncJobsFailed()
		return
	}
	defer closeStderr()

	exitCode, runErr := e.Runtime.Run(ctx, runtime.RunConfig{
		ModulePath:  modulePath,
		Argv:        info.Argv,
		Env:         info.Env,
		Stdin:       stdin,
		Stdout:      stdout,
		Stderr:      stderr,
		SandboxRoot: dataDir,
	})

	switch {
	case runErr != nil:
		jobLog.Warn().Err(runErr).Msg("executor: job run failed")
		e.Metrics.IncJobsFailed()
	case exitCode != 0:
		jobLog.Warn().Uint32("exit_code", exitCode).Msg("executor: job exited with non-zero code")
		e.Metrics.IncJobsFailed()
	default:
		jobLog.Info().Uint32("exit_code", exitCode).Msg("executor: job completed")
		e.Metrics.IncJobsSucceeded()
	}

	e.collectResults(jobLog, dataDir, info)
}

// openSandboxOutput opens the host file a stdout_file/stderr_file sandbox
// path maps to, or returns io.Discard ("/dev/null equivalent") when unset.
func (e *Executor) openSandboxOutput(dataDir, sandboxPath string) (io.Writer, func(), error) {
	if sandboxPath == "" {
		return io.Discard, func() {}, nil
	}
	p, err := resolveSandboxPath(dataDir, sandboxPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: create %q: %w", sandboxPath, err)
	}
	return f, func() { f.Close() }, nil
}

// collectResults implements the result-publication phase:
// zip-package Results to ResultsReceiver (if set) as a JOB_RESULT
// bundle, and package/store/publish each NamedResults entry. Every
// per-entry failure is logged and skipped; it never fails the job.
func (e *Executor) collectResults(jobLog zerolog.Logger, dataDir string, info job.JobInfo) {
	if info.ResultsReceiver != nil {
		zipBytes, err := e.buildResultsZip(jobLog, dataDir, info.Results)
		if err != nil {
			jobLog.Warn().Err(err).Msg("executor: build results zip failed")
		} else {
			reply := message.Bundle{
				Type:        message.JobResult,
				Source:      e.Node.Self,
				Destination: *info.ResultsReceiver,
				Success:     true,
				Payload:     zipBytes,
			}
			e.Metrics.IncBundleSent(reply.Type.Label())
			e.Node.Send(reply)
		}
	}

	for sandboxPath, outName := range info.NamedResults {
		data, err := e.buildNamedResult(dataDir, sandboxPath)
		if err != nil {
			jobLog.Warn().Err(err).Str("path", sandboxPath).Msg("executor: named result skipped")
			continue
		}
		if data == nil {
			continue
		}

		if err := e.Storage.StoreData(outName, data); err != nil {
			if _, ok := err.(*storage.NameTakenError); !ok {
				jobLog.Warn().Err(err).Str("name", outName).Msg("executor: store named result failed")
			}
		}

		put := message.Bundle{
			Type:        message.NDataPut,
			Source:      e.Node.Self,
			Destination: eid.StoreMulticast,
			Success:     true,
			NamedData:   []string{outName},
			Payload:     data,
		}
		e.Metrics.IncBundleSent(put.Type.Label())
		e.Node.Send(put)
	}
}

// buildResultsZip packages each result path into a single deflate ZIP,
// arcnames relative to dataDir. Entries that disappeared or changed kind
// between preparation and collection are logged and skipped rather than
// failing the whole archive; an empty ZIP is a valid result.
func (e *Executor) buildResultsZip(jobLog zerolog.Logger, dataDir string, results []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, r := range results {
		p, err := resolveSandboxPath(dataDir, r)
		if err != nil {
			jobLog.Warn().Err(err).Str("path", r).Msg("executor: result path escape on collection, skipping")
			continue
		}
		info, err := os.Lstat(p)
		if err != nil {
			jobLog.Warn().Err(err).Str("path", r).Msg("executor: result missing, skipping")
			continue
		}
		switch {
		case info.IsDir():
			if err := addDirToZip(zw, p, dataDir); err != nil {
				return nil, err
			}
		case info.Mode().IsRegular():
			if err := addFileToZip(zw, p, dataDir); err != nil {
				return nil, err
			}
		default:
			jobLog.Warn().Str("path", r).Msg("executor: result of unsupported kind, skipping")
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("executor: close results zip: %w", err)
	}
	return buf.Bytes(), nil
}

// buildNamedResult resolves a single named-result path: a regular file's
// bytes, a directory packaged into a ZIP (arcnames relative to the
// directory's parent), or nil (skip) for anything else.
func (e *Executor) buildNamedResult(dataDir, sandboxPath string) ([]byte, error) {
	p, err := resolveSandboxPath(dataDir, sandboxPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return nil, nil
	}
	switch {
	case info.Mode().IsRegular():
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("executor: read named result %q: %w", sandboxPath, err)
		}
		return data, nil
	case info.IsDir():
		return zipDirectoryRelativeToParent(p)
	default:
		return nil, nil
	}
}

func addFileToZip(zw *zip.Writer, path, baseDir string) error {
	arcname, err := filepath.Rel(baseDir, path)
	if err != nil {
		return fmt.Errorf("executor: arcname for %q: %w", path, err)
	}
	return writeZipEntry(zw, path, filepath.ToSlash(arcname))
}

func addDirToZip(zw *zip.Writer, dir, baseDir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		arcname, err := filepath.Rel(baseDir, path)
		if err != nil {
			return fmt.Errorf("executor: arcname for %q: %w", path, err)
		}
		return writeZipEntry(zw, path, filepath.ToSlash(arcname))
	})
}

// zipDirectoryRelativeToParent packages dir into an in-memory deflate ZIP
// whose arcnames are relative to dir's parent, so the top-level directory
// name itself is preserved in every entry.
func zipDirectoryRelativeToParent(dir string) ([]byte, error) {
	parent := filepath.Dir(dir)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		arcname, err := filepath.Rel(parent, path)
		if err != nil {
			return fmt.Errorf("executor: arcname for %q: %w", path, err)
		}
		return writeZipEntry(zw, path, filepath.ToSlash(arcname))
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("executor: close named result zip: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipEntry(zw *zip.Writer, path, arcname string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("executor: open %q for zip: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("executor: stat %q for zip: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("executor: zip header for %q: %w", path, err)
	}
	header.Name = arcname
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("executor: create zip entry %q: %w", arcname, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("executor: write zip entry %q: %w", arcname, err)
	}
	return nil
}
