package protocol

const ProtocolVersion = "0.1.0"

const (
	MethodInitialize      = "initialize"
	MethodAddImportPath   = "addImportPath"
	MethodCheckDependency = "checkDependency"
	MethodLoadModule      = "loadModule"
	MethodBind            = "bind"
	MethodResolveClass    = "resolveClass"
	MethodConstruct       = "construct"
	MethodInvoke          = "invoke"
	MethodShutdown        = "shutdown"
	MethodLog             = "log" // notification only
	// MethodCancelRequest asks the worker to cancel an in-flight call,
	// typically an invoke whose step timed out.
	MethodCancelRequest = "$/cancelRequest" // notification only
)

// InitializeParams is sent with the "initialize" method
type InitializeParams struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Workdir         string   `json:"workdir"`
	ImportPaths     []string `json:"importPaths,omitempty"`
}

// InitializeResult is returned from the "initialize" method
type InitializeResult struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

type AddImportPathParams struct {
	Path string `json:"path"`
}

type CheckDependencyParams struct {
	Requirement string `json:"requirement"`
}

type CheckDependencyResult struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Message   string `json:"message,omitempty"`
}

// LoadModuleParams asks the worker to load a code unit. Source is the unit
// text as extracted by the orchestrator; Path is where it came from.
type LoadModuleParams struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Source    string `json:"source"`
	Region    string `json:"region,omitempty"`
	Auxiliary bool   `json:"auxiliary,omitempty"`
}

type LoadModuleResult struct {
	Module    string   `json:"module"`
	Functions []string `json:"functions,omitempty"`
	Classes   []string `json:"classes,omitempty"`
}

// BindParams selects an entry point in a loaded module. Either Function or
// Class is set; Method is required with Class.
type BindParams struct {
	Module   string `json:"module"`
	Class    string `json:"class,omitempty"`
	Method   string `json:"method,omitempty"`
	Function string `json:"function,omitempty"`
}

type EntryKind string

const (
	EntryFunction EntryKind = "function"
	EntryMethod   EntryKind = "method"
)

type BindResult struct {
	Entry    string    `json:"entry"`
	Kind     EntryKind `json:"kind"`
	Stateful bool      `json:"stateful"`
}

type ResolveClassParams struct {
	ClassPath string `json:"classPath"`
}

type ResolveClassResult struct {
	ClassPath string `json:"classPath"`
}

// ConstructParams builds an instance of ClassPath on the worker. The result
// is an object Value.
type ConstructParams struct {
	ClassPath string         `json:"classPath"`
	Args      map[string]any `json:"args,omitempty"`
}

type InvokeParams struct {
	Entry         string   `json:"entry"`
	Args          []Value  `json:"args"`
	Capture       []string `json:"capture,omitempty"`
	FreshInstance bool     `json:"freshInstance,omitempty"`
}

// InvokeResult carries what the agent produced. A non-nil Exception means
// the agent itself raised; transport failures are JSON-RPC errors instead.
type InvokeResult struct {
	Return    Value            `json:"return"`
	Variables map[string]Value `json:"variables,omitempty"`
	Exception *Exception       `json:"exception,omitempty"`
}

type Exception struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// CancelParams names the call to cancel by its JSON-RPC id.
type CancelParams struct {
	ID int64 `json:"id"`
}

// LogParams is sent as a notification with the "log" method
type LogParams struct {
	Level   string         `json:"level"` // "debug", "info", "warn", "error"
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
