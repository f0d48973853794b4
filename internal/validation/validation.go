// Package validation checks JSON request bodies against JSON Schemas before
// they reach a handler. Rejected requests get a 400 listing each failing
// field with a message and the offending value.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ferro-labs/credstore/internal/logging"
)

// maxBodyBytes caps request bodies read by the middleware.
const maxBodyBytes = 1 << 20

// CreateKeySchema describes the body of POST /admin/keys.
const CreateKeySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 100, "pattern": "\\S"},
		"description": {"type": "string", "maxLength": 500}
	},
	"required": ["name"],
	"additionalProperties": false
}`

// CreateKey validates create-key requests.
var CreateKey = MustCompile("create-key.json", CreateKeySchema)

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Response is the body written for a rejected request.
type Response struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// Schema is a compiled JSON Schema for an object body.
type Schema struct {
	compiled   *jsonschema.Schema
	properties map[string]bool
	required   []string
}

// Compile compiles src, registered under name.
func Compile(name, src string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	var shape struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal([]byte(src), &shape); err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	s := &Schema{compiled: compiled, properties: make(map[string]bool), required: shape.Required}
	for p := range shape.Properties {
		s.properties[p] = true
	}
	return s, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(name, src string) *Schema {
	s, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON document and returns one FieldError per
// problem, ordered by field name. A nil result means the document is valid.
func (s *Schema) Validate(doc any) []FieldError {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldError{{Field: "body", Message: err.Error()}}
	}

	obj, _ := doc.(map[string]any)
	var out []FieldError
	for _, leaf := range leaves(ve) {
		switch {
		case strings.HasSuffix(leaf.KeywordLocation, "/required"):
			for _, name := range s.required {
				if _, ok := obj[name]; !ok {
					out = append(out, FieldError{Field: name, Message: name + " is required"})
				}
			}
		case strings.HasSuffix(leaf.KeywordLocation, "/additionalProperties"):
			for name, v := range obj {
				if !s.properties[name] {
					out = append(out, FieldError{Field: name, Message: "unknown field", Value: v})
				}
			}
		default:
			field := fieldName(leaf.InstanceLocation)
			fe := FieldError{Field: field, Message: leaf.Message}
			if obj != nil {
				fe.Value = obj[field]
			}
			if strings.HasSuffix(leaf.KeywordLocation, "/pattern") {
				fe.Message = field + " must not be blank"
			}
			out = append(out, fe)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return dedupe(out)
}

// Middleware validates the request body against s. On success the body is
// replayed to next unchanged.
func (s *Schema) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			Reject(w, []FieldError{{Field: "body", Message: "request body too large or unreadable"}})
			return
		}

		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			Reject(w, []FieldError{{Field: "body", Message: "invalid JSON"}})
			return
		}
		if errs := s.Validate(doc); len(errs) > 0 {
			logging.FromContext(r.Context()).Warn("request validation failed",
				"path", r.URL.Path, "method", r.Method, "errors", len(errs))
			Reject(w, errs)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Reject writes a 400 validation failure.
func Reject(w http.ResponseWriter, errs []FieldError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Message: "Validation failed",
		Errors:  errs,
	})
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// fieldName turns a JSON pointer ("/a/b") into a dotted path ("a.b").
func fieldName(pointer string) string {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return "body"
	}
	return strings.ReplaceAll(p, "/", ".")
}

func dedupe(in []FieldError) []FieldError {
	out := in[:0]
	seen := make(map[string]bool, len(in))
	for _, fe := range in {
		k := fe.Field + "\x00" + fe.Message
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, fe)
	}
	return out
}
