package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/harness/client"
	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/input"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
)

// shutdownTimeout bounds how long Close waits for a worker to exit.
const shutdownTimeout = 5 * time.Second

// EntryPoint is the bound agent callable.
type EntryPoint interface {
	Name() string
	// Stateful is true when the entry point is a method on an instance.
	Stateful() bool
	Invoke(ctx context.Context, args []protocol.Value, capture []string, fresh bool) (*Invocation, error)
}

// Invocation is what one call to the agent produced.
type Invocation struct {
	Return    protocol.Value
	Variables map[string]protocol.Value
	Exception *protocol.Exception
}

// Session is a loaded agent on a running worker.
type Session struct {
	Entry EntryPoint
	// Objects builds input objects on the same worker as Entry.
	Objects  input.ObjectFactory
	Warnings []string

	client client.Client
}

// Close shuts the worker down.
func (s *Session) Close() error {
	if s == nil || s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.client.Shutdown(ctx)
}

type Loader struct {
	connector Connector
	search    *input.SearchPath
	log       util.LogHandler
}

func New(connector Connector, search *input.SearchPath, log util.LogHandler) *Loader {
	if search == nil {
		search = input.NewSearchPath()
	}
	if log == nil {
		log = util.NoopLogHandler
	}
	return &Loader{
		connector: connector,
		search:    search,
		log:       log,
	}
}

// Load starts a worker, loads the agent file of s into it and binds the
// entry point. Anything that prevents binding is a *LoadError. Problems
// with referenced files and dependencies are reported as warnings.
func (l *Loader) Load(ctx context.Context, s *suite.TestSuite) (*Session, error) {
	path := s.Config.FilePath
	source, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, loadError(path, "agent file does not exist")
		}
		return nil, &LoadError{Path: path, Err: err}
	}

	unit, err := l.unit(s, string(source))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	l.search.Add(s.Dir())
	cl, err := l.connector.Connect(ctx, &protocol.InitializeParams{
		Workdir:     s.Dir(),
		ImportPaths: l.search.Paths(),
	}, l.log)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("failed to start harness worker: %w", err)}
	}

	sess := &Session{Objects: cl, client: cl}

	sess.Warnings = append(sess.Warnings, l.checkDependencies(ctx, cl, s.Config.Dependencies)...)
	sess.Warnings = append(sess.Warnings, l.loadReferenced(ctx, cl, s.Config.ReferencedFiles)...)

	loaded, err := cl.LoadModule(ctx, unit)
	if err != nil {
		_ = sess.Close()
		return nil, &LoadError{Path: path, Err: err}
	}

	bind, err := bindParams(s, loaded)
	if err != nil {
		_ = sess.Close()
		return nil, &LoadError{Path: path, Err: err}
	}

	bound, err := cl.Bind(ctx, bind)
	if err != nil {
		_ = sess.Close()
		return nil, &LoadError{Path: path, Err: err}
	}

	sess.Entry = &entryPoint{
		client: cl,
		name:   entryName(bind),
		bound:  bound,
	}

	return sess, nil
}

func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (l *Loader) unit(s *suite.TestSuite, source string) (*protocol.LoadModuleParams, error) {
	params := &protocol.LoadModuleParams{
		Name:   moduleName(s.Config.FilePath),
		Path:   s.Config.FilePath,
		Source: source,
	}

	if s.Config.Agent != nil {
		if s.Config.Agent.Module != "" {
			params.Name = s.Config.Agent.Module
		}
		return params, nil
	}

	region, err := ExtractRegion(source, s.Config.Region)
	if err != nil {
		return nil, err
	}
	params.Source = region
	params.Region = s.Config.Region
	return params, nil
}

func (l *Loader) checkDependencies(ctx context.Context, cl client.Client, deps []string) []string {
	var warnings []string
	for _, dep := range deps {
		res, err := cl.CheckDependency(ctx, dep)
		var msg string
		switch {
		case err != nil:
			msg = fmt.Sprintf("could not check dependency %s: %v", dep, err)
		case !res.Available:
			msg = fmt.Sprintf("dependency %s is not available", dep)
			if res.Message != "" {
				msg += ": " + res.Message
			}
		default:
			continue
		}
		warnings = append(warnings, msg)
		l.log("warn", msg, map[string]any{"dependency": dep})
	}
	return warnings
}

func (l *Loader) loadReferenced(ctx context.Context, cl client.Client, files []string) []string {
	var warnings []string
	for _, path := range files {
		source, err := os.ReadFile(path)
		if err == nil {
			_, err = cl.LoadModule(ctx, &protocol.LoadModuleParams{
				Name:      moduleName(path),
				Path:      path,
				Source:    string(source),
				Auxiliary: true,
			})
		}
		if err != nil {
			msg := fmt.Sprintf("referenced file %s could not be loaded: %v", path, err)
			warnings = append(warnings, msg)
			l.log("warn", msg, map[string]any{"file": path})
		}
	}
	return warnings
}

func bindParams(s *suite.TestSuite, loaded *protocol.LoadModuleResult) (*protocol.BindParams, error) {
	if a := s.Config.Agent; a != nil {
		if a.Class == "" {
			return &protocol.BindParams{Module: loaded.Module, Function: a.Method}, nil
		}
		return &protocol.BindParams{Module: loaded.Module, Class: a.Class, Method: a.Method}, nil
	}

	region := s.Config.Region
	method := s.Config.Method

	if method != "" {
		for _, fn := range loaded.Functions {
			if fn == method {
				return &protocol.BindParams{Module: loaded.Module, Function: fn}, nil
			}
		}
		if len(loaded.Classes) == 1 {
			return &protocol.BindParams{Module: loaded.Module, Class: loaded.Classes[0], Method: method}, nil
		}
		return nil, fmt.Errorf("region %q has no function %q and %d classes", region, method, len(loaded.Classes))
	}

	switch {
	case len(loaded.Functions) == 1:
		return &protocol.BindParams{Module: loaded.Module, Function: loaded.Functions[0]}, nil
	case len(loaded.Functions) == 0 && len(loaded.Classes) == 1:
		return nil, fmt.Errorf("region %q defines class %s; set config.method to choose the method to call", region, loaded.Classes[0])
	case len(loaded.Functions) == 0 && len(loaded.Classes) == 0:
		return nil, fmt.Errorf("region %q defines no function or class", region)
	default:
		return nil, fmt.Errorf("region %q defines several entry points (%s); set config.method to choose one",
			region, strings.Join(append(append([]string{}, loaded.Functions...), loaded.Classes...), ", "))
	}
}

func entryName(p *protocol.BindParams) string {
	if p.Function != "" {
		return p.Module + "." + p.Function
	}
	return p.Module + "." + p.Class + "." + p.Method
}

type entryPoint struct {
	client client.Client
	name   string
	bound  *protocol.BindResult
}

func (e *entryPoint) Name() string {
	return e.name
}

func (e *entryPoint) Stateful() bool {
	return e.bound.Stateful
}

func (e *entryPoint) Invoke(ctx context.Context, args []protocol.Value, capture []string, fresh bool) (*Invocation, error) {
	res, err := e.client.Invoke(ctx, &protocol.InvokeParams{
		Entry:         e.bound.Entry,
		Args:          args,
		Capture:       capture,
		FreshInstance: fresh,
	})
	if err != nil {
		return nil, err
	}

	return &Invocation{
		Return:    res.Return,
		Variables: res.Variables,
		Exception: res.Exception,
	}, nil
}
