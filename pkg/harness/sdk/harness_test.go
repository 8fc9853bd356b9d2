package sdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/harness/client"
	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Prefix string `json:"prefix"`
	Count  int    `json:"count"`
}

type user struct {
	Name string `json:"name"`
}

func testHarness() *Harness {
	h := New(Info{Name: "test-harness", Version: "0.0.1"}, WithDependency("openai", "1.2.3"))

	h.RegisterType("models.User", &Class{
		New: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return nil, errors.New("name is required")
			}
			return &user{Name: name}, nil
		},
	})

	h.RegisterModule("agent", func(u Unit) (*Module, error) {
		prefix := strings.TrimSpace(u.Source)
		return &Module{
			Functions: map[string]Func{
				"greet": func(ctx context.Context, args []any) (any, error) {
					SetVariable(ctx, "greeted", true)
					if u, ok := args[0].(*user); ok {
						return prefix + " " + u.Name, nil
					}
					return prefix + " " + args[0].(string), nil
				},
				"explode": func(ctx context.Context, args []any) (any, error) {
					panic("boom")
				},
				"fail": func(ctx context.Context, args []any) (any, error) {
					return nil, errors.New("agent failed")
				},
			},
			Classes: map[string]*Class{
				"Counter": {
					New: func(ctx context.Context, args map[string]any) (any, error) {
						return &counter{Prefix: prefix}, nil
					},
					Methods: map[string]Method{
						"run": func(ctx context.Context, self any, args []any) (any, error) {
							c := self.(*counter)
							c.Count++
							return c.Count, nil
						},
					},
				},
			},
		}, nil
	})

	return h
}

func connect(t *testing.T, h *Harness) client.Client {
	t.Helper()

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, b) }()

	c := client.NewWithDialer(&client.ConnDialer{Conn: a}, client.Options{})
	require.NoError(t, c.Start(context.Background(), &protocol.InitializeParams{Workdir: t.TempDir()}))

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = c.Shutdown(shutdownCtx)
		cancel()
		<-done
	})
	return c
}

func loadAgent(t *testing.T, c client.Client, source string) {
	t.Helper()
	res, err := c.LoadModule(context.Background(), &protocol.LoadModuleParams{Name: "agent", Path: "agent.py", Source: source})
	require.NoError(t, err)
	assert.Equal(t, []string{"explode", "fail", "greet"}, res.Functions)
	assert.Equal(t, []string{"Counter"}, res.Classes)
}

func TestHarness_Initialize(t *testing.T) {
	c := connect(t, testHarness())

	info := c.Info()
	require.NotNil(t, info)
	assert.Equal(t, "test-harness", info.Name)
	assert.Equal(t, protocol.ProtocolVersion, info.ProtocolVersion)
}

func TestHarness_InvokeFunction(t *testing.T) {
	ctx := context.Background()
	c := connect(t, testHarness())
	loadAgent(t, c, "Hello")

	bound, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Function: "greet"})
	require.NoError(t, err)
	assert.Equal(t, protocol.EntryFunction, bound.Kind)
	assert.False(t, bound.Stateful)

	res, err := c.Invoke(ctx, &protocol.InvokeParams{
		Entry:   bound.Entry,
		Args:    []protocol.Value{protocol.LiteralValue("world")},
		Capture: []string{"greeted", "missing"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Exception)
	assert.Equal(t, "Hello world", res.Return.Plain())
	assert.Equal(t, true, res.Variables["greeted"].Plain())
	_, ok := res.Variables["missing"]
	assert.False(t, ok)
}

func TestHarness_InvokeWithObjectArgument(t *testing.T) {
	ctx := context.Background()
	c := connect(t, testHarness())
	loadAgent(t, c, "Hi")

	obj, err := c.Construct(ctx, "models.User", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, protocol.KindObject, obj.Kind)
	assert.Equal(t, map[string]any{"name": "ada"}, obj.Fields)

	bound, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Function: "greet"})
	require.NoError(t, err)

	res, err := c.Invoke(ctx, &protocol.InvokeParams{Entry: bound.Entry, Args: []protocol.Value{obj}})
	require.NoError(t, err)
	assert.Equal(t, "Hi ada", res.Return.Plain())
}

func TestHarness_MethodInstances(t *testing.T) {
	tt := map[string]struct {
		fresh    bool
		expected []any
	}{
		"fresh instance per call": {
			fresh:    true,
			expected: []any{float64(1), float64(1)},
		},
		"shared instance": {
			fresh:    false,
			expected: []any{float64(1), float64(2)},
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			ctx := context.Background()
			c := connect(t, testHarness())
			loadAgent(t, c, "p")

			bound, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Class: "Counter", Method: "run"})
			require.NoError(t, err)
			assert.True(t, bound.Stateful)

			for _, want := range tc.expected {
				res, err := c.Invoke(ctx, &protocol.InvokeParams{Entry: bound.Entry, FreshInstance: tc.fresh, Capture: []string{"count", "prefix"}})
				require.NoError(t, err)
				assert.Equal(t, want, res.Return.Plain())
				assert.Equal(t, want, res.Variables["count"].Plain())
				assert.Equal(t, "p", res.Variables["prefix"].Plain())
			}
		})
	}
}

func TestHarness_Exceptions(t *testing.T) {
	tt := map[string]struct {
		function string
		message  string
		trace    bool
	}{
		"returned error": {function: "fail", message: "agent failed"},
		"panic":          {function: "explode", message: "panic: boom", trace: true},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			ctx := context.Background()
			c := connect(t, testHarness())
			loadAgent(t, c, "x")

			bound, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Function: tc.function})
			require.NoError(t, err)

			res, err := c.Invoke(ctx, &protocol.InvokeParams{Entry: bound.Entry})
			require.NoError(t, err)
			require.NotNil(t, res.Exception)
			assert.Equal(t, tc.message, res.Exception.Message)
			assert.Equal(t, tc.trace, res.Exception.Traceback != "")
		})
	}
}

func TestHarness_Errors(t *testing.T) {
	tt := map[string]struct {
		run  func(ctx context.Context, c client.Client) error
		code int64
	}{
		"unregistered module": {
			run: func(ctx context.Context, c client.Client) error {
				_, err := c.LoadModule(ctx, &protocol.LoadModuleParams{Name: "other", Path: "other.py"})
				return err
			},
			code: protocol.CodeLoadFailed,
		},
		"missing method": {
			run: func(ctx context.Context, c client.Client) error {
				_, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Class: "Counter", Method: "walk"})
				return err
			},
			code: protocol.CodeLoadFailed,
		},
		"missing class": {
			run: func(ctx context.Context, c client.Client) error {
				_, err := c.Bind(ctx, &protocol.BindParams{Module: "agent", Class: "Nope", Method: "run"})
				return err
			},
			code: protocol.CodeLoadFailed,
		},
		"unresolvable class": {
			run: func(ctx context.Context, c client.Client) error {
				_, err := c.ResolveClass(ctx, "models.Missing")
				return err
			},
			code: protocol.CodeImportFailed,
		},
		"constructor failure": {
			run: func(ctx context.Context, c client.Client) error {
				_, err := c.Construct(ctx, "models.User", nil)
				return err
			},
			code: protocol.CodeConstructionFailed,
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			ctx := context.Background()
			c := connect(t, testHarness())
			loadAgent(t, c, "x")

			err := tc.run(ctx, c)
			require.Error(t, err)
			code, ok := protocol.ErrorCode(err)
			require.True(t, ok, "expected wire error, got %v", err)
			assert.Equal(t, tc.code, code)

			code, ok = protocol.ErrorCode(fmt.Errorf("step failed: %w", err))
			require.True(t, ok)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestHarness_ModuleClassesResolve(t *testing.T) {
	ctx := context.Background()
	c := connect(t, testHarness())
	loadAgent(t, c, "x")

	path, err := c.ResolveClass(ctx, "agent.Counter")
	require.NoError(t, err)
	assert.Equal(t, "agent.Counter", path)
}

func TestHarness_CheckDependency(t *testing.T) {
	tt := map[string]struct {
		requirement string
		available   bool
		version     string
	}{
		"bare name":       {requirement: "openai", available: true, version: "1.2.3"},
		"with specifier":  {requirement: "OpenAI>=1.0", available: true, version: "1.2.3"},
		"not provided":    {requirement: "anthropic", available: false},
		"extras and pins": {requirement: "openai[async]==1.2.3", available: true, version: "1.2.3"},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			c := connect(t, testHarness())

			res, err := c.CheckDependency(context.Background(), tc.requirement)
			require.NoError(t, err)
			assert.Equal(t, tc.available, res.Available)
			assert.Equal(t, tc.version, res.Version)
		})
	}
}

func TestHarness_AuxiliaryReferences(t *testing.T) {
	ctx := context.Background()
	h := New(Info{Name: "refs"})
	h.RegisterModule("main", func(u Unit) (*Module, error) {
		return &Module{Functions: map[string]Func{
			"prompt": func(ctx context.Context, args []any) (any, error) {
				return u.References["prompts/system.txt"], nil
			},
		}}, nil
	})
	c := connect(t, h)

	_, err := c.LoadModule(ctx, &protocol.LoadModuleParams{Name: "system", Path: "prompts/system.txt", Source: "be nice", Auxiliary: true})
	require.NoError(t, err)
	_, err = c.LoadModule(ctx, &protocol.LoadModuleParams{Name: "main", Path: "main.go", Source: ""})
	require.NoError(t, err)

	bound, err := c.Bind(ctx, &protocol.BindParams{Module: "main", Function: "prompt"})
	require.NoError(t, err)
	res, err := c.Invoke(ctx, &protocol.InvokeParams{Entry: bound.Entry})
	require.NoError(t, err)
	assert.Equal(t, "be nice", res.Return.Plain())
}

func TestHarness_TimedOutInvokeIsCancelled(t *testing.T) {
	stopped := make(chan error, 1)
	h := New(Info{Name: "slow-harness", Version: "0.0.1"})
	h.RegisterModule("slow", func(u Unit) (*Module, error) {
		return &Module{
			Functions: map[string]Func{
				"hang": func(ctx context.Context, args []any) (any, error) {
					<-ctx.Done()
					stopped <- ctx.Err()
					return nil, ctx.Err()
				},
				"echo": func(ctx context.Context, args []any) (any, error) {
					return args[0], nil
				},
			},
		}, nil
	})

	ctx := context.Background()
	c := connect(t, h)
	_, err := c.LoadModule(ctx, &protocol.LoadModuleParams{Name: "slow", Path: "slow.py"})
	require.NoError(t, err)
	hang, err := c.Bind(ctx, &protocol.BindParams{Module: "slow", Function: "hang"})
	require.NoError(t, err)

	stepCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(stepCtx, &protocol.InvokeParams{Entry: hang.Entry})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running the invocation after the caller gave up")
	}

	echo, err := c.Bind(ctx, &protocol.BindParams{Module: "slow", Function: "echo"})
	require.NoError(t, err)
	res, err := c.Invoke(ctx, &protocol.InvokeParams{Entry: echo.Entry, Args: []protocol.Value{protocol.LiteralValue("still here")}})
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Return.Plain())
}
