package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"sigs.k8s.io/yaml"
)

// EnvelopeFormat identifies a stored value file.
const EnvelopeFormat = "kaizen.value/v1"

// ObjectFactory builds objects on the worker that runs the agent.
type ObjectFactory interface {
	AddImportPath(ctx context.Context, path string) error
	ResolveClass(ctx context.Context, classPath string) (string, error)
	Construct(ctx context.Context, classPath string, args map[string]any) (protocol.Value, error)
}

// Envelope is the on-disk form of a stored object: the class to rebuild and
// the fields to rebuild it with. It is read as YAML, so JSON works too.
type Envelope struct {
	Format string         `json:"format"`
	Class  string         `json:"class"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Materializer struct {
	factory ObjectFactory
	workdir string
	search  *SearchPath

	mu         sync.Mutex
	pathQueued bool
	pathAdded  bool
}

// NewMaterializer returns a materializer bound to one worker. workdir is
// added to the search path before the first class lookup.
func NewMaterializer(factory ObjectFactory, workdir string, search *SearchPath) *Materializer {
	if search == nil {
		search = NewSearchPath()
	}
	return &Materializer{
		factory: factory,
		workdir: workdir,
		search:  search,
	}
}

// MaterializeAll builds every input in declared order. The first failure
// stops the step.
func (m *Materializer) MaterializeAll(ctx context.Context, specs []suite.InputSpec) ([]protocol.Value, error) {
	values := make([]protocol.Value, 0, len(specs))
	for i, spec := range specs {
		v, err := m.materialize(ctx, spec, label(i, spec))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Materialize builds a single input.
func (m *Materializer) Materialize(ctx context.Context, spec suite.InputSpec) (protocol.Value, error) {
	return m.materialize(ctx, spec, label(0, spec))
}

func label(i int, spec suite.InputSpec) string {
	if spec != nil && spec.InputName() != "" {
		return strconv.Quote(spec.InputName())
	}
	return fmt.Sprintf("#%d", i)
}

func (m *Materializer) materialize(ctx context.Context, spec suite.InputSpec, name string) (protocol.Value, error) {
	switch in := spec.(type) {
	case *suite.StringInput:
		if in.Value == nil {
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("string input requires a value"))
		}
		return protocol.LiteralValue(*in.Value), nil

	case *suite.DictInput:
		if in.Value == nil {
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("dict input requires a value"))
		}
		return protocol.LiteralValue(in.Value), nil

	case *suite.ObjectInput:
		if in.ClassPath == "" {
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("object input requires a classPath"))
		}
		return m.construct(ctx, name, in.ClassPath, in.Args)

	case *suite.InlineObjectInput:
		if in.ClassPath == "" {
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("inline_object input requires a classPath"))
		}
		return m.construct(ctx, name, in.ClassPath, in.Attributes)

	case *suite.ClassObjectInput:
		switch {
		case in.ImportPath != "" && in.PicklePath != "":
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("class_object input accepts only one of importPath or picklePath"))
		case in.ImportPath != "":
			return m.resolveClass(ctx, name, in.ImportPath)
		case in.PicklePath != "":
			return m.restore(ctx, name, in.PicklePath)
		default:
			return protocol.Value{}, newError(InvalidInputError, name, errors.New("class_object input requires importPath or picklePath"))
		}

	case nil:
		return protocol.Value{}, newError(InvalidInputError, name, errors.New("input is empty"))

	default:
		return protocol.Value{}, newError(InvalidInputError, name, fmt.Errorf("unsupported input type %s", spec.InputType()))
	}
}

// ensureImportPath puts the working directory on the worker's import path.
// A failed call is retried by the next input, so one step's cancelled
// context cannot fail the steps after it. addImportPath is idempotent, so
// concurrent steps may both send it.
func (m *Materializer) ensureImportPath(ctx context.Context) error {
	if m.workdir == "" {
		return nil
	}

	m.mu.Lock()
	if m.pathAdded {
		m.mu.Unlock()
		return nil
	}
	if !m.pathQueued {
		m.search.Add(m.workdir)
		m.pathQueued = true
	}
	m.mu.Unlock()

	if err := m.factory.AddImportPath(ctx, m.workdir); err != nil {
		return fmt.Errorf("failed to add %s to the import path: %w", m.workdir, err)
	}

	m.mu.Lock()
	m.pathAdded = true
	m.mu.Unlock()
	return nil
}

func (m *Materializer) construct(ctx context.Context, name, classPath string, args map[string]any) (protocol.Value, error) {
	if err := m.ensureImportPath(ctx); err != nil {
		return protocol.Value{}, newError(ImportError, name, err)
	}

	v, err := m.factory.Construct(ctx, classPath, args)
	if err != nil {
		return protocol.Value{}, classify(name, err, ConstructionError)
	}
	return v, nil
}

func (m *Materializer) resolveClass(ctx context.Context, name, classPath string) (protocol.Value, error) {
	if err := m.ensureImportPath(ctx); err != nil {
		return protocol.Value{}, newError(ImportError, name, err)
	}

	resolved, err := m.factory.ResolveClass(ctx, classPath)
	if err != nil {
		return protocol.Value{}, classify(name, err, ImportError)
	}
	return protocol.ClassValue(resolved), nil
}

func (m *Materializer) restore(ctx context.Context, name, path string) (protocol.Value, error) {
	if !filepath.IsAbs(path) && m.workdir != "" {
		path = filepath.Join(m.workdir, path)
	}

	env, err := ReadEnvelope(path)
	if err != nil {
		return protocol.Value{}, newError(DeserializationError, name, err)
	}

	if err := m.ensureImportPath(ctx); err != nil {
		return protocol.Value{}, newError(DeserializationError, name, err)
	}

	if _, err := m.factory.ResolveClass(ctx, env.Class); err != nil {
		return protocol.Value{}, newError(DeserializationError, name, fmt.Errorf("stored class %s: %w", env.Class, err))
	}

	v, err := m.factory.Construct(ctx, env.Class, env.Fields)
	if err != nil {
		return protocol.Value{}, newError(DeserializationError, name, fmt.Errorf("rebuilding %s: %w", env.Class, err))
	}
	return v, nil
}

// ReadEnvelope reads and checks a stored value file.
func ReadEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored value '%s': %w", path, err)
	}

	env := &Envelope{}
	if err := yaml.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to parse stored value '%s': %w", path, err)
	}

	if env.Format != EnvelopeFormat {
		return nil, fmt.Errorf("stored value '%s' has format %q, expected %q", path, env.Format, EnvelopeFormat)
	}
	if env.Class == "" {
		return nil, fmt.Errorf("stored value '%s' does not name a class", path)
	}

	return env, nil
}

// WriteEnvelope stores fields as a value file that a class_object input can
// load.
func WriteEnvelope(path, classPath string, fields map[string]any) error {
	data, err := yaml.Marshal(&Envelope{Format: EnvelopeFormat, Class: classPath, Fields: fields})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
