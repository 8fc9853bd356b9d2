package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"golang.org/x/exp/jsonrpc2"
)

// session is the state of one served connection. Loaded modules, bound
// entries and constructed objects never outlive it.
type session struct {
	h      *Harness
	cancel context.CancelFunc

	ready chan struct{}
	conn  *jsonrpc2.Connection

	mu          sync.Mutex
	workdir     string
	importPaths []string
	references  map[string]string
	modules     map[string]*Module
	entries     map[string]*entry
	objects     map[string]any
}

type entry struct {
	fn     Func
	class  *Class
	method Method

	once     sync.Once
	instance any
	initErr  error
}

func newSession(h *Harness, cancel context.CancelFunc) *session {
	return &session{
		h:          h,
		cancel:     cancel,
		ready:      make(chan struct{}),
		references: make(map[string]string),
		modules:    make(map[string]*Module),
		entries:    make(map[string]*entry),
		objects:    make(map[string]any),
	}
}

func (s *session) attach(conn *jsonrpc2.Connection) {
	s.conn = conn
	close(s.ready)
}

// Handle processes incoming JSON-RPC requests. Invocations are answered
// asynchronously so that concurrent steps do not queue behind each other.
func (s *session) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	ctx = context.WithValue(ctx, sessionKey{}, s)

	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(req)
	case protocol.MethodAddImportPath:
		return s.handleAddImportPath(req)
	case protocol.MethodCheckDependency:
		return s.handleCheckDependency(req)
	case protocol.MethodLoadModule:
		return s.handleLoadModule(req)
	case protocol.MethodBind:
		return s.handleBind(req)
	case protocol.MethodResolveClass:
		return s.handleResolveClass(req)
	case protocol.MethodConstruct:
		return s.handleConstruct(ctx, req)
	case protocol.MethodInvoke:
		go func() {
			result, err := s.handleInvoke(ctx, req)
			<-s.ready
			_ = s.conn.Respond(req.ID, result, err)
		}()
		return nil, jsonrpc2.ErrAsyncResponse
	case protocol.MethodCancelRequest:
		return nil, s.handleCancelRequest(req)
	case protocol.MethodShutdown:
		go s.cancel()
		return struct{}{}, nil
	default:
		return nil, jsonrpc2.NewError(protocol.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleCancelRequest cancels the context of an in-flight call. Invocations
// run asynchronously, so the notification reaches the session while the
// agent is still working; well-behaved agents return once ctx is done.
func (s *session) handleCancelRequest(req *jsonrpc2.Request) error {
	params, err := decode[protocol.CancelParams](req)
	if err != nil {
		return err
	}
	<-s.ready
	s.conn.Cancel(jsonrpc2.Int64ID(params.ID))
	return nil
}

func decode[T any](req *jsonrpc2.Request) (*T, error) {
	var params T
	if len(req.Params) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc2.NewError(protocol.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return &params, nil
}

func (s *session) handleInitialize(req *jsonrpc2.Request) (*protocol.InitializeResult, error) {
	params, err := decode[protocol.InitializeParams](req)
	if err != nil {
		return nil, err
	}

	if params.ProtocolVersion != protocol.ProtocolVersion {
		return nil, jsonrpc2.NewError(
			protocol.CodeInvalidParams,
			fmt.Sprintf("unsupported protocol version: %s (expected %s)", params.ProtocolVersion, protocol.ProtocolVersion),
		)
	}

	s.mu.Lock()
	s.workdir = params.Workdir
	for _, p := range params.ImportPaths {
		s.addImportPath(p)
	}
	s.mu.Unlock()

	return &protocol.InitializeResult{
		Name:            s.h.info.Name,
		Version:         s.h.info.Version,
		ProtocolVersion: protocol.ProtocolVersion,
	}, nil
}

func (s *session) handleAddImportPath(req *jsonrpc2.Request) (any, error) {
	params, err := decode[protocol.AddImportPathParams](req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.addImportPath(params.Path)
	s.mu.Unlock()

	return struct{}{}, nil
}

// addImportPath must be called with s.mu held.
func (s *session) addImportPath(p string) {
	for _, existing := range s.importPaths {
		if existing == p {
			return
		}
	}
	s.importPaths = append(s.importPaths, p)
}

func (s *session) handleCheckDependency(req *jsonrpc2.Request) (*protocol.CheckDependencyResult, error) {
	params, err := decode[protocol.CheckDependencyParams](req)
	if err != nil {
		return nil, err
	}

	version, ok := s.h.dependency(params.Requirement)
	if !ok {
		return &protocol.CheckDependencyResult{
			Available: false,
			Message:   fmt.Sprintf("%s is not provided by harness %s", params.Requirement, s.h.info.Name),
		}, nil
	}

	return &protocol.CheckDependencyResult{Available: true, Version: version}, nil
}

func (s *session) handleLoadModule(req *jsonrpc2.Request) (*protocol.LoadModuleResult, error) {
	params, err := decode[protocol.LoadModuleParams](req)
	if err != nil {
		return nil, err
	}

	factory, ok := s.h.factory(params.Name)
	if !ok {
		if params.Auxiliary {
			s.mu.Lock()
			s.references[params.Path] = params.Source
			s.mu.Unlock()
			return &protocol.LoadModuleResult{Module: params.Name}, nil
		}
		return nil, protocol.LoadFailedError(fmt.Sprintf("no module registered for %q (%s)", params.Name, filepath.Base(params.Path)))
	}

	s.mu.Lock()
	refs := make(map[string]string, len(s.references))
	for k, v := range s.references {
		refs[k] = v
	}
	s.mu.Unlock()

	mod, err := buildModule(factory, Unit{
		Name:       params.Name,
		Path:       params.Path,
		Source:     params.Source,
		Region:     params.Region,
		References: refs,
	})
	if err != nil {
		return nil, protocol.LoadFailedError(fmt.Sprintf("loading %s: %v", params.Name, err))
	}

	s.mu.Lock()
	s.modules[params.Name] = mod
	if params.Auxiliary {
		s.references[params.Path] = params.Source
	}
	s.mu.Unlock()

	return &protocol.LoadModuleResult{
		Module:    params.Name,
		Functions: sortedKeys(mod.Functions),
		Classes:   sortedKeys(mod.Classes),
	}, nil
}

func buildModule(factory ModuleFactory, u Unit) (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	mod, err = factory(u)
	if err == nil && mod == nil {
		err = fmt.Errorf("factory returned no module")
	}
	return mod, err
}

func (s *session) handleBind(req *jsonrpc2.Request) (*protocol.BindResult, error) {
	params, err := decode[protocol.BindParams](req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	mod, ok := s.modules[params.Module]
	s.mu.Unlock()
	if !ok {
		return nil, protocol.LoadFailedError(fmt.Sprintf("module %q is not loaded", params.Module))
	}

	e := &entry{}
	kind := protocol.EntryFunction
	switch {
	case params.Function != "":
		fn, ok := mod.Functions[params.Function]
		if !ok {
			return nil, protocol.LoadFailedError(fmt.Sprintf("function %q not found in module %q", params.Function, params.Module))
		}
		e.fn = fn
	case params.Class != "":
		class, ok := mod.Classes[params.Class]
		if !ok {
			return nil, protocol.LoadFailedError(fmt.Sprintf("class %q not found in module %q", params.Class, params.Module))
		}
		if params.Method == "" {
			return nil, jsonrpc2.NewError(protocol.CodeInvalidParams, "method is required when binding a class")
		}
		method, ok := class.Methods[params.Method]
		if !ok {
			return nil, protocol.LoadFailedError(fmt.Sprintf("method %q not found on class %q", params.Method, params.Class))
		}
		e.class = class
		e.method = method
		kind = protocol.EntryMethod
	default:
		return nil, jsonrpc2.NewError(protocol.CodeInvalidParams, "either function or class must be set")
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	return &protocol.BindResult{
		Entry:    id,
		Kind:     kind,
		Stateful: kind == protocol.EntryMethod,
	}, nil
}

func (s *session) lookupClass(classPath string) (*Class, bool) {
	if c, ok := s.h.registeredType(classPath); ok {
		return c, true
	}

	i := strings.LastIndex(classPath, ".")
	if i <= 0 {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.modules[classPath[:i]]
	if !ok {
		return nil, false
	}
	c, ok := mod.Classes[classPath[i+1:]]
	return c, ok
}

func (s *session) handleResolveClass(req *jsonrpc2.Request) (*protocol.ResolveClassResult, error) {
	params, err := decode[protocol.ResolveClassParams](req)
	if err != nil {
		return nil, err
	}

	if _, ok := s.lookupClass(params.ClassPath); !ok {
		return nil, s.importError(params.ClassPath)
	}

	return &protocol.ResolveClassResult{ClassPath: params.ClassPath}, nil
}

func (s *session) importError(classPath string) error {
	return protocol.ImportFailedError(fmt.Sprintf("cannot resolve class %q (registered types: %s)", classPath, strings.Join(s.h.typeNames(), ", ")))
}

func (s *session) handleConstruct(ctx context.Context, req *jsonrpc2.Request) (*protocol.Value, error) {
	params, err := decode[protocol.ConstructParams](req)
	if err != nil {
		return nil, err
	}

	class, ok := s.lookupClass(params.ClassPath)
	if !ok {
		return nil, s.importError(params.ClassPath)
	}
	if class.New == nil {
		return nil, protocol.ConstructionFailedError(fmt.Sprintf("class %q has no constructor", params.ClassPath))
	}

	obj, err := construct(ctx, class, params.Args)
	if err != nil {
		return nil, protocol.ConstructionFailedError(fmt.Sprintf("constructing %s: %v", params.ClassPath, err))
	}

	ref := uuid.NewString()
	s.mu.Lock()
	s.objects[ref] = obj
	s.mu.Unlock()

	v := protocol.ObjectValue(ref, params.ClassPath, snapshot(obj))
	return &v, nil
}

func construct(ctx context.Context, class *Class, args map[string]any) (obj any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return class.New(ctx, args)
}

func (s *session) handleInvoke(ctx context.Context, req *jsonrpc2.Request) (*protocol.InvokeResult, error) {
	params, err := decode[protocol.InvokeParams](req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	e, ok := s.entries[params.Entry]
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc2.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown entry %q", params.Entry))
	}

	args := make([]any, len(params.Args))
	for i, v := range params.Args {
		arg, err := s.resolveArg(v)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	rec := &recorder{vars: make(map[string]any)}
	ctx = context.WithValue(ctx, recorderKey{}, rec)

	var self any
	if e.class != nil {
		self, err = e.self(ctx, params.FreshInstance)
		if err != nil {
			return &protocol.InvokeResult{Exception: exception(err, "")}, nil
		}
	}

	ret, stack, err := call(ctx, e, self, args)
	if err != nil {
		return &protocol.InvokeResult{Exception: exception(err, stack)}, nil
	}

	return &protocol.InvokeResult{
		Return:    protocol.LiteralValue(plain(ret)),
		Variables: capture(params.Capture, rec, self),
	}, nil
}

func (e *entry) self(ctx context.Context, fresh bool) (any, error) {
	if fresh {
		return construct(ctx, e.class, nil)
	}
	e.once.Do(func() {
		e.instance, e.initErr = construct(ctx, e.class, nil)
	})
	return e.instance, e.initErr
}

func call(ctx context.Context, e *entry, self any, args []any) (ret any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()

	if e.fn != nil {
		ret, err = e.fn(ctx, args)
	} else {
		ret, err = e.method(ctx, self, args)
	}
	return ret, "", err
}

func (s *session) resolveArg(v protocol.Value) (any, error) {
	switch v.Kind {
	case protocol.KindObject:
		s.mu.Lock()
		obj, ok := s.objects[v.Ref]
		s.mu.Unlock()
		if !ok {
			return nil, jsonrpc2.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown object reference %q", v.Ref))
		}
		return obj, nil
	case protocol.KindClass:
		class, ok := s.lookupClass(v.Class)
		if !ok {
			return nil, s.importError(v.Class)
		}
		return &ClassRef{Path: v.Class, Class: class}, nil
	default:
		return v.Literal, nil
	}
}

func exception(err error, stack string) *protocol.Exception {
	return &protocol.Exception{
		Type:      fmt.Sprintf("%T", err),
		Message:   err.Error(),
		Traceback: stack,
	}
}

func capture(names []string, rec *recorder, self any) map[string]protocol.Value {
	if len(names) == 0 {
		return nil
	}

	attrs := map[string]any{}
	if self != nil {
		attrs = snapshot(self)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	vars := make(map[string]protocol.Value)
	for _, name := range names {
		if v, ok := rec.vars[name]; ok {
			vars[name] = protocol.LiteralValue(plain(v))
			continue
		}
		if v, ok := attrs[name]; ok {
			vars[name] = protocol.LiteralValue(v)
		}
	}
	return vars
}

// snapshot returns the readable attributes of obj.
func snapshot(obj any) map[string]any {
	if s, ok := obj.(Snapshotter); ok {
		out := make(map[string]any)
		for k, v := range s.Snapshot() {
			out[k] = plain(v)
		}
		return out
	}

	m, ok := plain(obj).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// plain converts v to the JSON data model so it can cross the wire.
func plain(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type recorderKey struct{}

type recorder struct {
	mu   sync.Mutex
	vars map[string]any
}

// SetVariable publishes a named value for variable targets from inside an
// invocation. It is a no-op outside one.
func SetVariable(ctx context.Context, name string, value any) {
	rec, ok := ctx.Value(recorderKey{}).(*recorder)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.vars[name] = value
}

// ImportPaths returns the import paths the orchestrator has registered
// with the session serving ctx.
func ImportPaths(ctx context.Context) []string {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.importPaths...)
}

// Workdir returns the orchestrator's working directory for the session
// serving ctx.
func Workdir(ctx context.Context) string {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workdir
}

type sessionKey struct{}
