package loader

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"

	"github.com/kaizen-agent/kaizen/pkg/harness/client"
	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/harness/sdk"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
	"github.com/mattn/go-shellwords"
)

// Connector starts a harness worker and returns an initialized client.
type Connector interface {
	Connect(ctx context.Context, params *protocol.InitializeParams, log util.LogHandler) (client.Client, error)
}

// Command runs the worker as a subprocess speaking on stdin/stdout.
type Command struct {
	Argv   []string
	Env    map[string]string
	Dir    string
	Stderr io.Writer
}

var _ Connector = &Command{}

// NewCommand parses a shell style command line such as
// `python -m kaizen_harness --log-level debug`.
func NewCommand(commandLine string, env map[string]string) (*Command, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true

	argv, err := parser.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("failed to parse harness command %q: %w", commandLine, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("harness command is empty")
	}

	return &Command{Argv: argv, Env: env, Stderr: os.Stderr}, nil
}

func (c *Command) Connect(ctx context.Context, params *protocol.InitializeParams, log util.LogHandler) (client.Client, error) {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, c.Env[k]))
	}

	dir := c.Dir
	if dir == "" {
		dir = params.Workdir
	}

	cl := client.New(client.Options{
		Command:    c.Argv,
		Env:        env,
		Dir:        dir,
		Stderr:     c.Stderr,
		LogHandler: log,
	})
	if err := cl.Start(ctx, params); err != nil {
		return nil, err
	}
	return cl, nil
}

// InProcess serves a Go harness over an in-memory pipe.
type InProcess struct {
	Harness *sdk.Harness
}

var _ Connector = &InProcess{}

func (p *InProcess) Connect(ctx context.Context, params *protocol.InitializeParams, log util.LogHandler) (client.Client, error) {
	if p.Harness == nil {
		return nil, fmt.Errorf("no in-process harness configured")
	}

	local, remote := net.Pipe()
	// The worker outlives the load call; it stops when the client closes
	// its end of the pipe.
	go func() {
		_ = p.Harness.Serve(context.WithoutCancel(ctx), remote)
		_ = remote.Close()
	}()

	cl := client.NewWithDialer(&client.ConnDialer{Conn: local}, client.Options{LogHandler: log})
	if err := cl.Start(ctx, params); err != nil {
		_ = local.Close()
		return nil, err
	}
	return cl, nil
}

// ConnectorFor picks the connector a suite asks for: its harness command
// when set, the in-process harness h otherwise.
func ConnectorFor(s *suite.TestSuite, h *sdk.Harness) (Connector, error) {
	if s.Config.Harness.Command != "" {
		return NewCommand(s.Config.Harness.Command, s.Config.Harness.Env)
	}
	if h == nil {
		return nil, fmt.Errorf("suite %s has no harness command and no in-process harness is registered", s.Name())
	}
	return &InProcess{Harness: h}, nil
}
