package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"golang.org/x/exp/jsonrpc2"
)

// Harness holds the registered modules and types and serves them to the
// orchestrator.
type Harness struct {
	mu      sync.RWMutex
	info    Info
	modules map[string]ModuleFactory
	types   map[string]*Class
	deps    map[string]string

	// conns are the connections currently being served, used by Log.
	conns map[*jsonrpc2.Connection]struct{}
}

// Info contains metadata about the harness.
type Info struct {
	Name    string
	Version string
}

// Unit is a code unit handed to a ModuleFactory.
type Unit struct {
	Name   string
	Path   string
	Source string
	Region string
	// References maps the path of each auxiliary unit loaded so far to its
	// source.
	References map[string]string
}

// ModuleFactory builds a module from the unit text.
type ModuleFactory func(u Unit) (*Module, error)

// Module is a loaded code unit.
type Module struct {
	Functions map[string]Func
	Classes   map[string]*Class
}

// Func is a module level entry point.
type Func func(ctx context.Context, args []any) (any, error)

// Method is invoked with the instance returned by Class.New.
type Method func(ctx context.Context, self any, args []any) (any, error)

// Class describes a constructible type.
type Class struct {
	New     func(ctx context.Context, args map[string]any) (any, error)
	Methods map[string]Method
}

// ClassRef is passed to agents for class_object inputs given by import path.
type ClassRef struct {
	Path  string
	Class *Class
}

// Snapshotter exposes the attributes of an instance that variable targets
// can read.
type Snapshotter interface {
	Snapshot() map[string]any
}

// Option configures a Harness.
type Option func(*Harness)

// WithDependency declares a dependency the harness satisfies, answered by
// checkDependency.
func WithDependency(name, version string) Option {
	return func(h *Harness) {
		h.deps[strings.ToLower(name)] = version
	}
}

// New creates a Harness with the given info and options.
func New(info Info, opts ...Option) *Harness {
	h := &Harness{
		info:    info,
		modules: make(map[string]ModuleFactory),
		types:   make(map[string]*Class),
		deps:    make(map[string]string),
		conns:   make(map[*jsonrpc2.Connection]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterModule registers the factory for units loaded under name, which
// is the file name without its extension.
func (h *Harness) RegisterModule(name string, factory ModuleFactory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[name] = factory
}

// RegisterType makes a class constructible by classPath from inputs.
func (h *Harness) RegisterType(classPath string, class *Class) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types[classPath] = class
}

func (h *Harness) factory(name string) (ModuleFactory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.modules[name]
	return f, ok
}

func (h *Harness) registeredType(classPath string) (*Class, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.types[classPath]
	return c, ok
}

func (h *Harness) dependency(requirement string) (string, bool) {
	name := requirement
	if i := strings.IndexAny(name, "=<>!~;[ "); i >= 0 {
		name = name[:i]
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.deps[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func (h *Harness) typeNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.types))
	for n := range h.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Serve answers requests on rwc until the peer closes it, shutdown is
// requested, or ctx is canceled. A clean close returns nil.
func (h *Harness) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(h, cancel)
	conn, err := jsonrpc2.Dial(connCtx, dialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return rwc, nil
	}), &jsonrpc2.ConnectionOptions{
		Handler: s,
		Framer:  protocol.LineFramer(),
	})
	if err != nil {
		return fmt.Errorf("failed to start harness: %w", err)
	}
	s.attach(conn)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	err = conn.Wait()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}

	return err
}

// Run serves the harness on stdin/stdout. This blocks until the
// orchestrator shuts the worker down.
func (h *Harness) Run(ctx context.Context) error {
	return h.Serve(ctx, stdio{})
}

// Log sends a log message to every connected orchestrator.
func (h *Harness) Log(ctx context.Context, level, message string, data map[string]any) error {
	h.mu.RLock()
	conns := make([]*jsonrpc2.Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("harness not running")
	}

	params := protocol.LogParams{
		Level:   level,
		Message: message,
		Data:    data,
	}

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Notify(ctx, protocol.MethodLog, params))
	}
	return errors.Join(errs...)
}

func (h *Harness) LogDebug(ctx context.Context, message string, data map[string]any) error {
	return h.Log(ctx, "debug", message, data)
}

func (h *Harness) LogInfo(ctx context.Context, message string, data map[string]any) error {
	return h.Log(ctx, "info", message, data)
}

func (h *Harness) LogWarn(ctx context.Context, message string, data map[string]any) error {
	return h.Log(ctx, "warn", message, data)
}

func (h *Harness) LogError(ctx context.Context, message string, data map[string]any) error {
	return h.Log(ctx, "error", message, data)
}

type dialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f dialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
