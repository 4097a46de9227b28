// Package sandbox evaluates subscriber-authored rules: Go boolean expressions, or Go
// function bodies returning bool, run by the yaegi interpreter with an allow-listed set
// of pure standard library packages, a read-only submission binding and a deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/pkg/utils"
)

const DefaultTimeout = time.Second

// MaxTimeout caps the per-evaluation deadline. Interpreted code runs on the Go stack,
// so long deadlines let runaway evaluations grow it past the runtime limit.
const MaxTimeout = time.Second

// DefaultAllowedPackages are pure packages with no I/O, blocking or reflection capability.
var DefaultAllowedPackages = []string{"strings", "strconv", "regexp", "math", "unicode"}

// deniedPackages can never be allow-listed.
var deniedPackages = []string{
	"os", "net", "syscall", "unsafe", "fmt", "io", "log", "runtime", "reflect", "plugin",
	"time", "sync", "context", "bufio", "path/filepath", "embed", "debug", "crypto/rand",
}

// Result is the outcome of one evaluation.
type Result struct {
	Matched  bool
	Logs     []models.LogEntry
	Err      error
	Duration time.Duration
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTimeout sets the per-evaluation deadline, capped at MaxTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = min(d, MaxTimeout)
		}
	}
}

// WithMemoryLimit sets the heap growth in bytes allowed while rules run.
func WithMemoryLimit(bytes int64) Option {
	return func(s *Sandbox) {
		if bytes > 0 {
			s.memoryLimit = uint64(bytes)
		}
	}
}

// WithAllowedPackages replaces the allow-listed package import paths.
func WithAllowedPackages(pkgs ...string) Option {
	return func(s *Sandbox) { s.allowedPaths = pkgs }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sandbox evaluates rules. It is safe for concurrent use; each evaluation gets a
// fresh interpreter and shares nothing with other evaluations.
type Sandbox struct {
	timeout      time.Duration
	allowedPaths []string
	// allowed maps a package name as used in code to its import path.
	allowed     map[string]string
	memoryLimit uint64
	guard       *memoryGuard
	logger      *zap.Logger
}

// New creates a sandbox. It fails if an allow-listed package is unknown or denied.
func New(opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		timeout:      DefaultTimeout,
		allowedPaths: DefaultAllowedPackages,
		memoryLimit:  DefaultMemoryLimit,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.allowed = make(map[string]string, len(s.allowedPaths))
	for _, p := range s.allowedPaths {
		if isDenied(p) {
			return nil, fmt.Errorf("package %q cannot be allowed in rules", p)
		}
		if _, ok := stdlib.Symbols[symbolsKey(p)]; !ok {
			return nil, fmt.Errorf("package %q is not an interpretable standard library package", p)
		}
		name := path.Base(p)
		if name == bindingPackage {
			return nil, fmt.Errorf("package %q collides with the %s binding", p, bindingPackage)
		}
		s.allowed[name] = p
	}
	s.guard = newMemoryGuard(s.memoryLimit, s.logger)
	return s, nil
}

// MemoryLimit returns the heap growth allowed while rules run.
func (s *Sandbox) MemoryLimit() uint64 { return s.memoryLimit }

// Timeout returns the per-evaluation deadline.
func (s *Sandbox) Timeout() time.Duration { return s.timeout }

// AllowedPackages returns the allow-listed import paths, sorted.
func (s *Sandbox) AllowedPackages() []string {
	out := make([]string, 0, len(s.allowed))
	for _, p := range s.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs code against b. It never returns an error and never panics: every
// failure is reported as a log entry with Matched false, and Err set to a
// *TimeoutError, *RuntimeError or *UnavailableError.
func (s *Sandbox) Evaluate(ctx context.Context, code string, b Bindings) Result {
	start := time.Now()
	sink := &logSink{}
	res := s.evaluate(ctx, code, b, sink)
	res.Logs = sink.seal()

	switch err := res.Err.(type) {
	case nil:
	case *TimeoutError:
		res.Logs = append(res.Logs, models.LogEntry{Kind: models.LogTimeout, Message: err.Error()})
	case *RuntimeError:
		res.Logs = append(res.Logs, models.LogEntry{Kind: models.LogError, Message: err.Message, Detail: err.Detail})
	default:
		res.Logs = append(res.Logs, models.LogEntry{Kind: models.LogError, Message: err.Error()})
	}
	if res.Err != nil {
		res.Matched = false
	}
	res.Duration = time.Since(start)
	s.logger.Debug("rule evaluated",
		zap.Bool("matched", res.Matched),
		zap.Int("logs", len(res.Logs)),
		zap.Duration("duration", res.Duration),
		zap.Error(res.Err))
	return res
}

// EvaluateRule evaluates a subscription rule and packages the result for presentation.
func (s *Sandbox) EvaluateRule(ctx context.Context, rule models.SubscriptionRule, b Bindings) models.MatchResult {
	res := s.Evaluate(ctx, rule.Code, b)
	return models.MatchResult{
		ChannelID: rule.ChannelID,
		Matched:   res.Matched,
		Logs:      res.Logs,
		Duration:  res.Duration,
	}
}

func (s *Sandbox) evaluate(ctx context.Context, code string, b Bindings, sink *logSink) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &UnavailableError{Err: fmt.Errorf("interpreter panic: %v", r)}}
		}
	}()

	prog, err := s.compile(code)
	if err != nil {
		return Result{Err: err}
	}

	i := interp.New(interp.Options{
		Stdout: sink.writer(models.LogInfo),
		Stderr: sink.writer(models.LogWarn),
	})
	if err := i.Use(s.exports(prog.packages)); err != nil {
		return Result{Err: &UnavailableError{Err: err}}
	}
	if err := i.Use(b.exports(sink)); err != nil {
		return Result{Err: &UnavailableError{Err: err}}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	defer s.guard.track(stop)()

	if len(prog.imports) > 0 {
		if _, err := i.EvalWithContext(ctx, prog.importDecl()); err != nil {
			return Result{Err: s.classify(ctx, err)}
		}
	}
	v, err := i.EvalWithContext(ctx, prog.source)
	if err != nil {
		return Result{Err: s.classify(ctx, err)}
	}
	matched, err := asBool(v)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Matched: matched}
}

func (s *Sandbox) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), errMemoryLimit) {
		return &RuntimeError{
			Message: fmt.Sprintf("%s of %d bytes", errMemoryLimit, s.memoryLimit),
			Err:     errMemoryLimit,
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return &TimeoutError{Timeout: s.timeout, Err: ctxErr}
	}
	var p interp.Panic
	if errors.As(err, &p) {
		return &RuntimeError{
			Message: fmt.Sprintf("panic: %v", p.Value),
			Detail:  utils.Truncate(string(p.Stack), 4096),
			Err:     err,
		}
	}
	return &RuntimeError{Message: err.Error(), Err: err}
}

func asBool(v reflect.Value) (bool, error) {
	if v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return false, &RuntimeError{Message: "unexpected return type: <nil>"}
	}
	if v.Kind() == reflect.Bool {
		return v.Bool(), nil
	}
	if v.CanInterface() {
		if b, ok := v.Interface().(bool); ok {
			return b, nil
		}
	}
	return false, &RuntimeError{Message: fmt.Sprintf("unexpected return type: %s", v.Type())}
}

// exports returns the allow-listed symbol tables for the given import paths, with
// size-checked replacements for functions that can amplify their input.
func (s *Sandbox) exports(paths []string) interp.Exports {
	out := make(interp.Exports, len(paths))
	for _, p := range paths {
		key := symbolsKey(p)
		syms := stdlib.Symbols[key]
		if bounded, ok := boundedSymbols[p]; ok {
			syms = maps.Clone(syms)
			for name, v := range bounded {
				if v.IsValid() {
					syms[name] = v
				} else {
					delete(syms, name)
				}
			}
		}
		out[key] = syms
	}
	return out
}

func symbolsKey(importPath string) string {
	return importPath + "/" + path.Base(importPath)
}

func isDenied(p string) bool {
	for _, d := range deniedPackages {
		if p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}
