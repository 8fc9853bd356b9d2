package input

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

type fakeFactory struct {
	mu          sync.Mutex
	classes     map[string]bool
	failing     map[string]bool
	importPaths []string
	constructed []string
	transport   error
	// blockPaths makes AddImportPath wait for its context instead of
	// returning.
	blockPaths bool
}

func newFakeFactory(classes ...string) *fakeFactory {
	f := &fakeFactory{classes: map[string]bool{}, failing: map[string]bool{}}
	for _, c := range classes {
		f.classes[c] = true
	}
	return f
}

func (f *fakeFactory) AddImportPath(ctx context.Context, path string) error {
	f.mu.Lock()
	block := f.blockPaths
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.importPaths = append(f.importPaths, path)
	return nil
}

func (f *fakeFactory) ResolveClass(ctx context.Context, classPath string) (string, error) {
	if f.transport != nil {
		return "", f.transport
	}
	if !f.classes[classPath] {
		return "", protocol.ImportFailedError("no class " + classPath)
	}
	return classPath, nil
}

func (f *fakeFactory) Construct(ctx context.Context, classPath string, args map[string]any) (protocol.Value, error) {
	if f.transport != nil {
		return protocol.Value{}, f.transport
	}
	if !f.classes[classPath] {
		return protocol.Value{}, protocol.ImportFailedError("no class " + classPath)
	}
	if f.failing[classPath] {
		return protocol.Value{}, protocol.ConstructionFailedError("constructor raised")
	}
	f.mu.Lock()
	f.constructed = append(f.constructed, classPath)
	f.mu.Unlock()
	return protocol.ObjectValue("ref-"+classPath, classPath, args), nil
}

func TestMaterializer_Materialize(t *testing.T) {
	testdata, err := filepath.Abs("testdata")
	require.NoError(t, err)

	tt := map[string]struct {
		spec        suite.InputSpec
		expected    protocol.Value
		expectKind  ErrorKind
		expectOther bool
	}{
		"string": {
			spec:     &suite.StringInput{Value: ptr.To("hello")},
			expected: protocol.LiteralValue("hello"),
		},
		"empty string": {
			spec:     &suite.StringInput{Value: ptr.To("")},
			expected: protocol.LiteralValue(""),
		},
		"string without value": {
			spec:       &suite.StringInput{Name: "q"},
			expectKind: InvalidInputError,
		},
		"dict": {
			spec:     &suite.DictInput{Value: map[string]any{"a": 1.0}},
			expected: protocol.LiteralValue(map[string]any{"a": 1.0}),
		},
		"dict without value": {
			spec:       &suite.DictInput{},
			expectKind: InvalidInputError,
		},
		"object": {
			spec:     &suite.ObjectInput{ClassPath: "models.User", Args: map[string]any{"name": "ada"}},
			expected: protocol.ObjectValue("ref-models.User", "models.User", map[string]any{"name": "ada"}),
		},
		"object with unresolvable class": {
			spec:       &suite.ObjectInput{ClassPath: "models.Missing"},
			expectKind: ImportError,
		},
		"object whose constructor raises": {
			spec:       &suite.ObjectInput{ClassPath: "models.Broken"},
			expectKind: ConstructionError,
		},
		"object without class path": {
			spec:       &suite.ObjectInput{},
			expectKind: InvalidInputError,
		},
		"inline object": {
			spec:     &suite.InlineObjectInput{ClassPath: "models.User", Attributes: map[string]any{"name": "bob"}},
			expected: protocol.ObjectValue("ref-models.User", "models.User", map[string]any{"name": "bob"}),
		},
		"inline object with unresolvable class": {
			spec:       &suite.InlineObjectInput{ClassPath: "models.Missing"},
			expectKind: ImportError,
		},
		"class by import path": {
			spec:     &suite.ClassObjectInput{ImportPath: "models.User"},
			expected: protocol.ClassValue("models.User"),
		},
		"class by unknown import path": {
			spec:       &suite.ClassObjectInput{ImportPath: "models.Missing"},
			expectKind: ImportError,
		},
		"class object with both paths": {
			spec:       &suite.ClassObjectInput{ImportPath: "models.User", PicklePath: "x.yaml"},
			expectKind: InvalidInputError,
		},
		"class object with neither path": {
			spec:       &suite.ClassObjectInput{},
			expectKind: InvalidInputError,
		},
		"stored yaml value": {
			spec:     &suite.ClassObjectInput{PicklePath: filepath.Join(testdata, "ticket.yaml")},
			expected: protocol.ObjectValue("ref-models.Ticket", "models.Ticket", map[string]any{"id": float64(17), "subject": "Broken login"}),
		},
		"stored json value relative to workdir": {
			spec:     &suite.ClassObjectInput{PicklePath: "ticket.json"},
			expected: protocol.ObjectValue("ref-models.Ticket", "models.Ticket", map[string]any{"id": float64(18)}),
		},
		"stored value with unknown format": {
			spec:       &suite.ClassObjectInput{PicklePath: "old-format.yaml"},
			expectKind: DeserializationError,
		},
		"stored value with unknown class": {
			spec:       &suite.ClassObjectInput{PicklePath: "unknown-class.yaml"},
			expectKind: DeserializationError,
		},
		"missing stored value": {
			spec:       &suite.ClassObjectInput{PicklePath: "nope.yaml"},
			expectKind: DeserializationError,
		},
		"nil spec": {
			spec:       nil,
			expectKind: InvalidInputError,
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			factory := newFakeFactory("models.User", "models.Broken", "models.Ticket")
			factory.failing["models.Broken"] = true
			m := NewMaterializer(factory, testdata, NewSearchPath())

			got, err := m.Materialize(context.Background(), tc.spec)
			if tc.expectKind != "" {
				require.Error(t, err)
				kind, ok := Kind(err)
				require.True(t, ok, "expected input error, got %v", err)
				assert.Equal(t, tc.expectKind, kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestMaterializer_TransportErrorsPassThrough(t *testing.T) {
	factory := newFakeFactory("models.User")
	factory.transport = errors.New("broken pipe")
	m := NewMaterializer(factory, "", nil)

	_, err := m.Materialize(context.Background(), &suite.ObjectInput{ClassPath: "models.User"})
	require.Error(t, err)
	_, ok := Kind(err)
	assert.False(t, ok)
	assert.EqualError(t, err, "broken pipe")
}

func TestMaterializer_MaterializeAll(t *testing.T) {
	factory := newFakeFactory("models.User")
	search := NewSearchPath("/lib")
	m := NewMaterializer(factory, "/work", search)

	values, err := m.MaterializeAll(context.Background(), []suite.InputSpec{
		&suite.StringInput{Value: ptr.To("first")},
		&suite.ObjectInput{ClassPath: "models.User"},
		&suite.ObjectInput{ClassPath: "models.User"},
		&suite.DictInput{Value: map[string]any{"k": "v"}},
	})
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.Equal(t, "first", values[0].Literal)
	assert.Equal(t, protocol.KindObject, values[1].Kind)
	assert.Equal(t, protocol.KindObject, values[2].Kind)
	assert.Equal(t, map[string]any{"k": "v"}, values[3].Literal)

	assert.Equal(t, []string{"/work"}, factory.importPaths, "workdir is added once per worker")
	assert.Equal(t, []string{"/lib", "/work"}, search.Paths())
}

func TestMaterializer_CancelledStepDoesNotFailLaterSteps(t *testing.T) {
	factory := newFakeFactory("models.User")
	factory.blockPaths = true
	search := NewSearchPath()
	m := NewMaterializer(factory, "/work", search)
	user := []suite.InputSpec{&suite.ObjectInput{ClassPath: "models.User"}}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.MaterializeAll(cancelled, user)
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, ImportError, kind)
	assert.ErrorIs(t, err, context.Canceled)

	factory.mu.Lock()
	factory.blockPaths = false
	factory.mu.Unlock()

	values, err := m.MaterializeAll(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindObject, values[0].Kind)

	_, err = m.MaterializeAll(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []string{"/work"}, factory.importPaths)
	assert.Equal(t, []string{"/work"}, search.Paths())
}

func TestMaterializer_MaterializeAllStopsAtFirstError(t *testing.T) {
	factory := newFakeFactory("models.User")
	m := NewMaterializer(factory, "", nil)

	_, err := m.MaterializeAll(context.Background(), []suite.InputSpec{
		&suite.ObjectInput{Name: "missing", ClassPath: "models.Missing"},
		&suite.ObjectInput{ClassPath: "models.User"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `input "missing"`)
	assert.Empty(t, factory.constructed)
}

func TestSearchPath(t *testing.T) {
	sp := NewSearchPath("a", "b", "a")
	assert.True(t, sp.Add("c"))
	assert.False(t, sp.Add("b"))
	assert.False(t, sp.Add(""))
	assert.Equal(t, []string{"a", "b", "c"}, sp.Paths())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value.yaml")
	require.NoError(t, WriteEnvelope(path, "models.User", map[string]any{"name": "ada"}))

	env, err := ReadEnvelope(path)
	require.NoError(t, err)
	assert.Equal(t, "models.User", env.Class)
	assert.Equal(t, map[string]any{"name": "ada"}, env.Fields)
}
