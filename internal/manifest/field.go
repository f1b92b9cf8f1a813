package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type fieldState uint8

const (
	stateUnset fieldState = iota
	stateReset
	stateValue
)

// Field is an optional configuration value. An unset field is left out of the
// emitted manifest, a reset field is emitted as null so the platform restores its
// default, and a value field is emitted as the value.
type Field[T any] struct {
	state fieldState
	v     T
}

func Unset[T any]() Field[T] { return Field[T]{} }

func Reset[T any]() Field[T] { return Field[T]{state: stateReset} }

func Value[T any](v T) Field[T] { return Field[T]{state: stateValue, v: v} }

// IsZero reports an unset field. Both encoders use it to omit the key.
func (f Field[T]) IsZero() bool { return f.state == stateUnset }

func (f Field[T]) IsReset() bool { return f.state == stateReset }

// Get returns the value and whether one was set
func (f Field[T]) Get() (T, bool) {
	return f.v, f.state == stateValue
}

// Or returns the value, or def when the field is unset or reset
func (f Field[T]) Or(def T) T {
	if f.state == stateValue {
		return f.v
	}
	return def
}

func (f Field[T]) String() string {
	switch f.state {
	case stateReset:
		return "reset"
	case stateValue:
		return fmt.Sprint(f.v)
	default:
		return "unset"
	}
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != stateValue {
		return []byte("null"), nil
	}
	return json.Marshal(f.v)
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Reset[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Value(v)
	return nil
}

func (f Field[T]) MarshalYAML() (any, error) {
	if f.state != stateValue {
		return nil, nil
	}
	return f.v, nil
}

// UnmarshalYAML decodes a present value. yaml.v3 never hands null nodes to
// unmarshalers, so enclosing types route their keys through decodeNode instead.
func (f *Field[T]) UnmarshalYAML(node *yaml.Node) error {
	return f.decodeNode(node)
}

func (f *Field[T]) decodeNode(node *yaml.Node) error {
	if node.ShortTag() == "!!null" {
		*f = Reset[T]()
		return nil
	}
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	*f = Value(v)
	return nil
}

type nodeDecoder interface {
	decodeNode(*yaml.Node) error
}

// decodeMapping decodes the keys of a YAML mapping into fields, so a null value
// becomes Reset and an absent key stays Unset.
func decodeMapping(node *yaml.Node, fields map[string]nodeDecoder) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		f, ok := fields[key]
		if !ok {
			continue
		}
		if err := f.decodeNode(node.Content[i+1]); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
