package suite

import (
	"encoding/json"
	"fmt"
)

const (
	InputTypeString       = "string"
	InputTypeDict         = "dict"
	InputTypeObject       = "object"
	InputTypeClassObject  = "class_object"
	InputTypeInlineObject = "inline_object"
)

// InputSpec describes one positional argument of a step. The concrete types
// are StringInput, DictInput, ObjectInput, ClassObjectInput and
// InlineObjectInput.
type InputSpec interface {
	InputName() string
	InputType() string
	isInput()
}

// StringInput is passed through unchanged. A nil Value means the field was
// missing.
type StringInput struct {
	Name  string  `json:"name,omitempty"`
	Value *string `json:"value,omitempty"`
}

// DictInput is passed through unchanged. A nil Value means the field was
// missing.
type DictInput struct {
	Name  string         `json:"name,omitempty"`
	Value map[string]any `json:"value,omitempty"`
}

// ObjectInput is constructed on the worker as ClassPath(**Args).
type ObjectInput struct {
	Name      string         `json:"name,omitempty"`
	ClassPath string         `json:"classPath,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// ClassObjectInput resolves a class by ImportPath, or rebuilds a stored
// object from the value envelope at PicklePath. Exactly one must be set.
type ClassObjectInput struct {
	Name       string `json:"name,omitempty"`
	ImportPath string `json:"importPath,omitempty"`
	PicklePath string `json:"picklePath,omitempty"`
}

// InlineObjectInput is constructed on the worker from Attributes.
type InlineObjectInput struct {
	Name       string         `json:"name,omitempty"`
	ClassPath  string         `json:"classPath,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (i *StringInput) InputName() string       { return i.Name }
func (i *DictInput) InputName() string         { return i.Name }
func (i *ObjectInput) InputName() string       { return i.Name }
func (i *ClassObjectInput) InputName() string  { return i.Name }
func (i *InlineObjectInput) InputName() string { return i.Name }

func (i *StringInput) InputType() string       { return InputTypeString }
func (i *DictInput) InputType() string         { return InputTypeDict }
func (i *ObjectInput) InputType() string       { return InputTypeObject }
func (i *ClassObjectInput) InputType() string  { return InputTypeClassObject }
func (i *InlineObjectInput) InputType() string { return InputTypeInlineObject }

func (*StringInput) isInput()       {}
func (*DictInput) isInput()         {}
func (*ObjectInput) isInput()       {}
func (*ClassObjectInput) isInput()  {}
func (*InlineObjectInput) isInput() {}

func (i *StringInput) MarshalJSON() ([]byte, error) {
	type plain StringInput
	return marshalTyped(InputTypeString, (*plain)(i))
}

func (i *DictInput) MarshalJSON() ([]byte, error) {
	type plain DictInput
	return marshalTyped(InputTypeDict, (*plain)(i))
}

func (i *ObjectInput) MarshalJSON() ([]byte, error) {
	type plain ObjectInput
	return marshalTyped(InputTypeObject, (*plain)(i))
}

func (i *ClassObjectInput) MarshalJSON() ([]byte, error) {
	type plain ClassObjectInput
	return marshalTyped(InputTypeClassObject, (*plain)(i))
}

func (i *InlineObjectInput) MarshalJSON() ([]byte, error) {
	type plain InlineObjectInput
	return marshalTyped(InputTypeInlineObject, (*plain)(i))
}

func marshalTyped(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(typ)

	return json.Marshal(fields)
}

// DecodeInput decodes a single input spec by its "type" field.
func DecodeInput(data []byte) (InputSpec, error) {
	head := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var in InputSpec
	switch head.Type {
	case InputTypeString:
		in = &StringInput{}
	case InputTypeDict:
		in = &DictInput{}
	case InputTypeObject:
		in = &ObjectInput{}
	case InputTypeClassObject:
		in = &ClassObjectInput{}
	case InputTypeInlineObject:
		in = &InlineObjectInput{}
	case "":
		return nil, fmt.Errorf("input is missing its type")
	default:
		return nil, fmt.Errorf("unknown input type %q", head.Type)
	}

	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("invalid %s input: %w", head.Type, err)
	}

	return in, nil
}

func (s *TestStep) UnmarshalJSON(data []byte) error {
	type Doppleganger TestStep

	tmp := struct {
		*Doppleganger
		Input []json.RawMessage `json:"input,omitempty"`
	}{
		Doppleganger: (*Doppleganger)(s),
	}

	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	s.Input = make([]InputSpec, 0, len(tmp.Input))
	for i, raw := range tmp.Input {
		in, err := DecodeInput(raw)
		if err != nil {
			return fmt.Errorf("step %q: input %d: %w", s.Name, i, err)
		}
		s.Input = append(s.Input, in)
	}

	return nil
}
