package protocol

import (
	"encoding/json"
	"fmt"
)

type ValueKind string

const (
	KindLiteral ValueKind = "literal"
	KindObject  ValueKind = "object"
	KindClass   ValueKind = "class"
)

// Value is the only form in which worker data crosses the wire. Objects stay
// on the worker and are addressed by Ref; Fields is a snapshot of their
// public attributes taken when the value was produced.
type Value struct {
	Kind    ValueKind      `json:"kind"`
	Literal any            `json:"literal,omitempty"`
	Ref     string         `json:"ref,omitempty"`
	Class   string         `json:"class,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func LiteralValue(v any) Value {
	return Value{Kind: KindLiteral, Literal: v}
}

func ClassValue(classPath string) Value {
	return Value{Kind: KindClass, Class: classPath}
}

func ObjectValue(ref, classPath string, fields map[string]any) Value {
	return Value{Kind: KindObject, Ref: ref, Class: classPath, Fields: fields}
}

// IsZero reports whether v was never set, which is how a missing return
// shows up after decoding.
func (v Value) IsZero() bool {
	return v.Kind == "" && v.Literal == nil && v.Ref == "" && v.Class == "" && v.Fields == nil
}

// Plain returns the data view of v used for comparison and judging: the
// literal itself, the field snapshot of an object, or the class path.
func (v Value) Plain() any {
	switch v.Kind {
	case KindObject:
		if v.Fields == nil {
			return map[string]any{}
		}
		return v.Fields
	case KindClass:
		return fmt.Sprintf("<class %s>", v.Class)
	default:
		return v.Literal
	}
}

// String renders the plain view as compact JSON, falling back to %v.
func (v Value) String() string {
	p := v.Plain()
	if s, ok := p.(string); ok {
		return s
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(data)
}
