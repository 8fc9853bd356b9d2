package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/util"
	"golang.org/x/exp/jsonrpc2"
)

// Client talks to a single harness worker.
type Client interface {
	Start(ctx context.Context, params *protocol.InitializeParams) error
	Info() *protocol.InitializeResult
	AddImportPath(ctx context.Context, path string) error
	CheckDependency(ctx context.Context, requirement string) (*protocol.CheckDependencyResult, error)
	LoadModule(ctx context.Context, params *protocol.LoadModuleParams) (*protocol.LoadModuleResult, error)
	Bind(ctx context.Context, params *protocol.BindParams) (*protocol.BindResult, error)
	ResolveClass(ctx context.Context, classPath string) (string, error)
	Construct(ctx context.Context, classPath string, args map[string]any) (protocol.Value, error)
	Invoke(ctx context.Context, params *protocol.InvokeParams) (*protocol.InvokeResult, error)
	Shutdown(ctx context.Context) error
}

type Options struct {
	// Command is the worker argv. Ignored when the client is created with
	// NewWithDialer.
	Command []string
	Env     []string
	Dir     string
	// Stderr receives the worker's stderr. Nil discards it.
	Stderr     io.Writer
	LogHandler util.LogHandler
}

type client struct {
	opts   Options
	dialer jsonrpc2.Dialer
	cmd    *exec.Cmd
	info   *protocol.InitializeResult

	mu   sync.Mutex
	conn *jsonrpc2.Connection
}

var _ Client = &client{}

// New returns a client that spawns opts.Command as the worker.
func New(opts Options) Client {
	return &client{opts: opts}
}

// NewWithDialer returns a client for a worker reachable through dialer,
// such as one end of an in-memory pipe.
func NewWithDialer(dialer jsonrpc2.Dialer, opts Options) Client {
	return &client{opts: opts, dialer: dialer}
}

func (c *client) Start(ctx context.Context, params *protocol.InitializeParams) error {
	dialer := c.dialer
	if dialer == nil {
		d, err := c.spawn(ctx)
		if err != nil {
			return err
		}
		dialer = d
	}

	conn, err := jsonrpc2.Dial(ctx, dialer, &jsonrpc2.ConnectionOptions{
		Handler: c,
		Framer:  protocol.LineFramer(),
	})
	if err != nil {
		c.reap()
		return fmt.Errorf("failed to connect to harness worker: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	params.ProtocolVersion = protocol.ProtocolVersion
	info := &protocol.InitializeResult{}
	if err := c.call(ctx, protocol.MethodInitialize, params, info); err != nil {
		c.closeConn()
		c.reap()
		return fmt.Errorf("failed to initialize harness worker: %w", err)
	}
	c.info = info

	return nil
}

func (c *client) spawn(ctx context.Context) (jsonrpc2.Dialer, error) {
	if len(c.opts.Command) == 0 {
		return nil, errors.New("harness command is empty")
	}

	c.cmd = exec.CommandContext(ctx, c.opts.Command[0], c.opts.Command[1:]...)
	c.cmd.Env = c.opts.Env
	c.cmd.Dir = c.opts.Dir
	c.cmd.Stderr = c.opts.Stderr

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start harness worker %q: %w", c.opts.Command[0], err)
	}

	return &StreamDialer{Reader: stdout, Writer: stdin}, nil
}

// Handle receives notifications from the worker.
func (c *client) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	if req.Method == protocol.MethodLog && c.opts.LogHandler != nil {
		var params protocol.LogParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			c.opts.LogHandler(params.Level, params.Message, params.Data)
		}
	}

	return nil, nil
}

func (c *client) Info() *protocol.InitializeResult {
	return c.info
}

func (c *client) AddImportPath(ctx context.Context, path string) error {
	return c.call(ctx, protocol.MethodAddImportPath, &protocol.AddImportPathParams{Path: path}, nil)
}

func (c *client) CheckDependency(ctx context.Context, requirement string) (*protocol.CheckDependencyResult, error) {
	result := &protocol.CheckDependencyResult{}
	if err := c.call(ctx, protocol.MethodCheckDependency, &protocol.CheckDependencyParams{Requirement: requirement}, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) LoadModule(ctx context.Context, params *protocol.LoadModuleParams) (*protocol.LoadModuleResult, error) {
	result := &protocol.LoadModuleResult{}
	if err := c.call(ctx, protocol.MethodLoadModule, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) Bind(ctx context.Context, params *protocol.BindParams) (*protocol.BindResult, error) {
	result := &protocol.BindResult{}
	if err := c.call(ctx, protocol.MethodBind, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) ResolveClass(ctx context.Context, classPath string) (string, error) {
	result := &protocol.ResolveClassResult{}
	if err := c.call(ctx, protocol.MethodResolveClass, &protocol.ResolveClassParams{ClassPath: classPath}, result); err != nil {
		return "", err
	}
	return result.ClassPath, nil
}

func (c *client) Construct(ctx context.Context, classPath string, args map[string]any) (protocol.Value, error) {
	var result protocol.Value
	if err := c.call(ctx, protocol.MethodConstruct, &protocol.ConstructParams{ClassPath: classPath, Args: args}, &result); err != nil {
		return protocol.Value{}, err
	}
	return result, nil
}

func (c *client) Invoke(ctx context.Context, params *protocol.InvokeParams) (*protocol.InvokeResult, error) {
	result := &protocol.InvokeResult{}
	if err := c.call(ctx, protocol.MethodInvoke, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) Shutdown(ctx context.Context) error {
	if err := c.call(ctx, protocol.MethodShutdown, struct{}{}, nil); err != nil {
		c.closeConn()
		c.reap()
		return err
	}

	if c.cmd == nil {
		c.closeConn()
		return nil
	}

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- c.cmd.Wait()
	}()

	select {
	case err := <-waitDone:
		c.closeConn()
		return err
	case <-ctx.Done():
		c.closeConn()
		c.kill()
		return ctx.Err()
	}
}

// closeConn closes the connection if it is open. Close errors are dropped so
// they do not mask the error that caused the close.
func (c *client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *client) kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// reap kills the worker and waits for it so no zombie is left behind. It is
// used on paths where nothing else will call Wait.
func (c *client) reap() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.kill()
	_ = c.cmd.Wait()
}

func (c *client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("harness worker not connected")
	}

	call := conn.Call(ctx, method, params)
	err := call.Await(ctx, result)
	if err != nil && ctx.Err() != nil {
		c.cancelCall(ctx, conn, call.ID())
	}
	return err
}

const cancelNotifyTimeout = 5 * time.Second

// cancelCall tells the worker to stop handling a call the caller gave up on.
// The notification is best effort; a worker that ignores it finishes the call
// and its late response is discarded.
func (c *client) cancelCall(ctx context.Context, conn *jsonrpc2.Connection, id jsonrpc2.ID) {
	n, ok := id.Raw().(int64)
	if !ok {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelNotifyTimeout)
	defer cancel()
	_ = conn.Notify(notifyCtx, protocol.MethodCancelRequest, &protocol.CancelParams{ID: n})
}
