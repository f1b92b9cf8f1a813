package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

const (
	// Int64Type tags a signed integer that does not fit in a double
	Int64Type = "type.googleapis.com/google.protobuf.Int64Value"
	// UInt64Type tags an unsigned integer above the signed 64-bit range
	UInt64Type = "type.googleapis.com/google.protobuf.UInt64Value"

	typeKey  = "@type"
	valueKey = "value"

	// MaxSafeInteger is the largest integer a double represents exactly (2^53 - 1)
	MaxSafeInteger = 1<<53 - 1
)

var (
	// ErrNotEncodable is returned for values that have no JSON form (NaN, Inf)
	ErrNotEncodable = errors.New("data cannot be encoded in JSON")
	// ErrNotDecodable is returned when a tagged wrapper cannot be unwrapped
	ErrNotDecodable = errors.New("data cannot be decoded from JSON")
	// ErrUnknownType is returned when an object carries an unrecognized @type tag
	ErrUnknownType = fmt.Errorf("%w: unknown @type", ErrNotDecodable)
)

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Encode converts a native Go value into its wire representation.
// Values with no JSON meaning (funcs, channels, complex numbers) become an empty object.
func Encode(v any) (any, error) {
	return encodeValue(reflect.ValueOf(v))
}

func encodeValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	// Types with their own JSON form are encoded through it
	if rv.Type().Implements(jsonMarshalerType) && rv.Type() != reflect.TypeOf(json.Number("")) {
		if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
			return nil, nil
		}
		out, err := encodeViaJSON(rv.Interface())
		if err != nil && !errors.Is(err, ErrNotEncodable) {
			return map[string]any{}, nil
		}
		return out, err
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		if n, ok := rv.Interface().(json.Number); ok {
			return encodeNumber(n)
		}
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return encodeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %v", ErrNotEncodable, f)
		}
		return f, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			ev, err := encodeValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[mapKey(iter.Key())] = ev
		}
		return out, nil
	case reflect.Struct:
		out, err := encodeViaJSON(rv.Interface())
		if err != nil && !errors.Is(err, ErrNotEncodable) {
			// Some field has no JSON form, so only that field collapses
			return encodeStruct(rv)
		}
		return out, err
	default:
		// func, chan, complex, unsafe pointer
		return map[string]any{}, nil
	}
}

func encodeInt(n int64) any {
	if n > MaxSafeInteger || n < -MaxSafeInteger {
		return map[string]any{typeKey: Int64Type, valueKey: strconv.FormatInt(n, 10)}
	}
	return n
}

func encodeUint(n uint64) any {
	if n <= MaxSafeInteger {
		return int64(n)
	}
	if n <= math.MaxInt64 {
		return map[string]any{typeKey: Int64Type, valueKey: strconv.FormatUint(n, 10)}
	}
	return map[string]any{typeKey: UInt64Type, valueKey: strconv.FormatUint(n, 10)}
}

func encodeNumber(n json.Number) (any, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return encodeInt(i), nil
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return encodeUint(u), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEncodable, err)
	}
	return encodeValue(reflect.ValueOf(f))
}

// encodeViaJSON encodes structs and json.Marshalers through their JSON form,
// keeping integer precision by decoding numbers as json.Number.
func encodeViaJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, fmt.Errorf("%w: %v", ErrNotEncodable, err)
		}
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEncodable, err)
	}
	return encodeValue(reflect.ValueOf(generic))
}

// encodeStruct walks the exported fields the way encoding/json names them,
// flattening exported embedded structs. Fields promoted from unexported
// embedded structs cannot be read through reflection and are dropped.
func encodeStruct(rv reflect.Value) (any, error) {
	out := map[string]any{}
	if err := encodeFields(rv, out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeFields(rv reflect.Value, out map[string]any) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ev := fv
			if ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct && !ev.Type().Implements(jsonMarshalerType) {
				if err := encodeFields(ev, out); err != nil {
					return err
				}
				continue
			}
		}

		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		ev, err := encodeValue(fv)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[name] = ev
	}
	return nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

// isEmptyValue mirrors what encoding/json drops under omitempty
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	return fmt.Sprint(k.Interface())
}

// Decode converts a wire value back into native values, unwrapping tagged integers.
func Decode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			dv, err := Decode(elem)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case map[string]any:
		if tag, ok := t[typeKey]; ok {
			return decodeTagged(tag, t[valueKey])
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			dv, err := Decode(elem)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeTagged(tag, value any) (any, error) {
	switch tag {
	case Int64Type:
		s, err := taggedString(value)
		if err != nil {
			return nil, err
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return parseFloat(s)
	case UInt64Type:
		s, err := taggedString(value)
		if err != nil {
			return nil, err
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, nil
		}
		return parseFloat(s)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, tag)
	}
}

func taggedString(value any) (string, error) {
	switch t := value.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fmt.Errorf("%w: tagged value %v is not a number", ErrNotDecodable, value)
	}
}

func parseFloat(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %q is not a number", ErrNotDecodable, s)
	}
	return f, nil
}

// DecodeJSON parses raw JSON and decodes the resulting wire value.
func DecodeJSON(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecodable, err)
	}
	return Decode(v)
}

// EncodeJSON encodes v and marshals the wire value.
func EncodeJSON(v any) ([]byte, error) {
	ev, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// Bind copies decoded wire data into a typed Go value.
// Decoded int64 values keep full precision since json prints them digit for digit.
func Bind(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bind marshal: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bind unmarshal: %w", err)
	}
	return nil
}
