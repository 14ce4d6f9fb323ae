// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Sandbox languages.
const (
	LanguagePython = "python"
	LanguageGo     = "go"
)

// =============================================================================
// SANDBOX CONFIG
// =============================================================================

// SandboxConfig configures the code sandbox capability.
type SandboxConfig struct {
	// Python is the interpreter binary (default "python3")
	Python string

	// Timeout bounds one run; the process is killed when it expires (default 20s)
	Timeout time.Duration

	// MaxOutput caps captured output in bytes (default 100000)
	MaxOutput int

	// WorkDir is where scripts run. Empty uses a fresh temporary directory.
	WorkDir string

	// GoPackages overrides the stdlib packages Go programs may import
	GoPackages []string
}

// defaultGoPackages are the stdlib packages interpreted Go may import.
// os, os/exec, net, syscall and unsafe are not on the list.
var defaultGoPackages = []string{
	"bufio",
	"bytes",
	"encoding/base64",
	"encoding/csv",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/big",
	"math/rand",
	"path",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"text/tabwriter",
	"time",
	"unicode",
	"unicode/utf8",
}

// SandboxExecutor runs untrusted code. Python runs as a subprocess with a
// sanitized environment; Go runs inside the yaegi interpreter with an import
// allowlist.
type SandboxExecutor struct {
	cfg     SandboxConfig
	allowed map[string]bool
}

// NewSandboxExecutor fills defaults.
func NewSandboxExecutor(cfg SandboxConfig) *SandboxExecutor {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 100000
	}
	pkgs := cfg.GoPackages
	if len(pkgs) == 0 {
		pkgs = defaultGoPackages
	}
	allowed := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		allowed[p] = true
	}
	return &SandboxExecutor{cfg: cfg, allowed: allowed}
}

// Execute runs the code and reports stdout, stderr and exit status. A
// non-zero exit is a Fatal failure that still carries the captured output.
func (e *SandboxExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	code := getStringParam(params, "code", "")
	if strings.TrimSpace(code) == "" {
		return Fail(ErrorFatal, "code is required"), nil
	}
	lang := strings.ToLower(getStringParam(params, "language", LanguagePython))
	stdin := getStringParam(params, "stdin", "")

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var (
		stdout, stderr bytes.Buffer
		exitCode       int
		err            error
	)
	switch lang {
	case LanguagePython:
		exitCode, err = e.runPython(runCtx, code, stdin, &stdout, &stderr)
	case LanguageGo:
		exitCode, err = e.runGo(runCtx, code, stdin, &stdout, &stderr)
	default:
		return Fail(ErrorFatal, "unsupported language %q", lang), nil
	}

	res := e.result(&stdout, &stderr, exitCode)
	res.Duration = time.Since(start)

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Success = false
		res.ErrorKind = ErrorTransient
		res.Error = "execution timed out after " + e.cfg.Timeout.String()
		return res, nil
	case err != nil:
		res.Success = false
		res.ErrorKind = ErrorFatal
		res.Error = err.Error()
		return res, nil
	case exitCode != 0:
		res.Success = false
		res.ErrorKind = ErrorFatal
		res.Error = "exited with code " + strconv.Itoa(exitCode)
		return res, nil
	}
	res.Success = true
	return res, nil
}

// runPython writes the script to a temp file and runs it. The returned error
// is set only when the interpreter could not be started.
func (e *SandboxExecutor) runPython(ctx context.Context, code, stdin string, stdout, stderr *bytes.Buffer) (int, error) {
	dir, err := os.MkdirTemp("", "graphite-sandbox-*")
	if err != nil {
		return -1, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(code), 0600); err != nil {
		return -1, fmt.Errorf("write script: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Python, script)
	cmd.Dir = dir
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	cmd.Env = append(sanitizeEnvironment(), "PYTHONDONTWRITEBYTECODE=1", "PYTHONIOENCODING=utf-8")
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, nil
	}
	return -1, fmt.Errorf("start %s: %w", e.cfg.Python, err)
}

// runGo interprets a Go program. Interpretation errors and panics are
// reported on stderr with exit code 1, like a failed go run.
func (e *SandboxExecutor) runGo(ctx context.Context, code, stdin string, stdout, stderr *bytes.Buffer) (int, error) {
	src := wrapGoProgram(code)
	if err := e.checkImports(src); err != nil {
		stderr.WriteString(err.Error())
		return 1, nil
	}

	i := interp.New(interp.Options{
		Stdin:  strings.NewReader(stdin),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return -1, fmt.Errorf("load stdlib: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return -1, nil
		}
		if stderr.Len() > 0 {
			stderr.WriteString("\n")
		}
		stderr.WriteString("error: " + err.Error())
		return 1, nil
	}
	return 0, nil
}

// wrapGoProgram adds a package clause when the code has none.
func wrapGoProgram(code string) string {
	if strings.HasPrefix(strings.TrimSpace(code), "package ") {
		return code
	}
	return "package main\n\n" + code
}

// checkImports rejects imports outside the allowlist.
func (e *SandboxExecutor) checkImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "main.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		pkg, _ := strconv.Unquote(imp.Path.Value)
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("error: forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// result builds the Result from captured output, truncating each stream.
func (e *SandboxExecutor) result(stdout, stderr *bytes.Buffer, exitCode int) Result {
	out, outTrunc := truncateBytes(stdout.String(), e.cfg.MaxOutput)
	errOut, errTrunc := truncateBytes(stderr.String(), e.cfg.MaxOutput)
	return Result{
		Output:    out,
		Stdout:    out,
		Stderr:    errOut,
		ExitCode:  exitCode,
		Truncated: outTrunc || errTrunc,
	}
}

func truncateBytes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max] + "\n\n[Output truncated at " + strconv.Itoa(max) + " bytes]", true
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// safeEnvVars are passed through to sandboxed processes. Everything else,
// including credentials and loader variables, is dropped.
var safeEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"LOGNAME",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TZ",
	"TMPDIR",
	"TEMP",
	"TMP",
	"SYSTEMROOT",
	"PATHEXT",
	"WINDIR",
}

// sanitizeEnvironment returns the allowlisted subset of the environment.
func sanitizeEnvironment() []string {
	safe := make(map[string]bool, len(safeEnvVars))
	for _, v := range safeEnvVars {
		safe[v] = true
	}
	current := getEnviron()
	result := make([]string, 0, len(safeEnvVars))
	for _, kv := range current {
		idx := strings.Index(kv, "=")
		if idx <= 0 {
			continue
		}
		if safe[strings.ToUpper(kv[:idx])] {
			result = append(result, kv)
		}
	}
	return result
}

// getEnviron returns the current environment (abstracted for testing).
var getEnviron = func() []string {
	return os.Environ()
}

// NewSandboxTool builds the "sandbox" capability.
func NewSandboxTool(cfg SandboxConfig) *Tool {
	sb := NewSandboxExecutor(cfg)
	return &Tool{
		Name:        "sandbox",
		Description: "Run a Python script or a Go program and return its standard output.",
		Schema: Schema{
			Parameters: []Parameter{
				{Name: "code", Type: "string", Required: true, Description: "Program source"},
				{Name: "language", Type: "string", Description: "Program language", Default: LanguagePython, Enum: []string{LanguagePython, LanguageGo}},
				{Name: "stdin", Type: "string", Description: "Standard input for the program"},
			},
		},
		Timeout:  sb.cfg.Timeout + 5*time.Second,
		Executor: sb,
	}
}
