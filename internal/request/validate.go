// Package request performs the structural checks every function request must pass
// before authentication: method, media type and body shape.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	MediaType = "application/json"

	// DefaultMaxBodyBytes caps request bodies when no limit is configured
	DefaultMaxBodyBytes = 10 << 20

	schemaURL = "inmemory://fngate/request.json"
)

// bodySchema admits exactly one top-level key, data, whose value may be anything including null
const bodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {"data": {}},
  "required": ["data"],
  "additionalProperties": false
}`

// Reason names the check that failed. It is logged, never sent to the client.
type Reason string

const (
	ReasonMethod      Reason = "method"
	ReasonContentType Reason = "content-type"
	ReasonBodyRead    Reason = "body-read"
	ReasonBodyTooBig  Reason = "body-too-large"
	ReasonBodyJSON    Reason = "body-json"
	ReasonBodyShape   Reason = "body-shape"
)

type Error struct {
	Reason Reason
	Detail string
	err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "invalid request: " + string(e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Reason, e.Detail)
}

func (e *Error) Unwrap() error { return e.err }

func reject(reason Reason, detail string, err error) *Error {
	return &Error{Reason: reason, Detail: detail, err: err}
}

// Body is a request that passed validation. Data is the raw wire value, not yet decoded.
type Body struct {
	Data any
}

type Validator struct {
	schema  *jsonschema.Schema
	maxBody int64
}

// NewValidator compiles the body schema. maxBody <= 0 means DefaultMaxBodyBytes.
func NewValidator(maxBody int64) (*Validator, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, strings.NewReader(bodySchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema, maxBody: maxBody}, nil
}

var defaultValidator *Validator

func init() {
	v, err := NewValidator(DefaultMaxBodyBytes)
	if err != nil {
		panic(err)
	}
	defaultValidator = v
}

// Default returns a validator with the default body limit
func Default() *Validator {
	return defaultValidator
}

// MediaTypeOf lowercases the Content-Type and drops any parameters
func MediaTypeOf(r *http.Request) string {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Validate checks r and returns its payload. Any failure is an *Error.
func (v *Validator) Validate(r *http.Request) (*Body, error) {
	if r.Method != http.MethodPost {
		return nil, reject(ReasonMethod, r.Method, nil)
	}
	if mt := MediaTypeOf(r); mt != MediaType {
		return nil, reject(ReasonContentType, mt, nil)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, reject(ReasonBodyRead, "empty body", nil)
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
	if err != nil {
		return nil, reject(ReasonBodyRead, "", err)
	}
	if int64(len(raw)) > v.maxBody {
		return nil, reject(ReasonBodyTooBig, fmt.Sprintf("over %d bytes", v.maxBody), nil)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, reject(ReasonBodyJSON, "", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, reject(ReasonBodyJSON, "trailing data", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, reject(ReasonBodyShape, verr.Error(), err)
		}
		return nil, reject(ReasonBodyShape, "", err)
	}

	return &Body{Data: doc.(map[string]any)["data"]}, nil
}
