// ABOUTME: Declared parameter shapes for commands and their validation against raw JSON params.
// ABOUTME: Validation runs before any handler so a rejected request has no side effects.

package command

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/gami/internal/jsonrpc"
)

// Kind is the JSON type a parameter must have.
type Kind string

const (
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindNumber Kind = "number"
	KindObject Kind = "object"
	KindArray  Kind = "array"
	KindUUID   Kind = "uuid"
	KindAny    Kind = "any"
)

// Param declares one named parameter.
type Param struct {
	Name     string
	Kind     Kind
	Required bool
	Nullable bool
	// Enum restricts string parameters to a fixed set.
	Enum []string
	// Items is the element kind for arrays; empty accepts anything.
	Items Kind
}

// Schema is the full named-parameter shape of a command.
type Schema []Param

// Required declares a required parameter.
func Required(name string, kind Kind) Param {
	return Param{Name: name, Kind: kind, Required: true}
}

// Optional declares an optional parameter.
func Optional(name string, kind Kind) Param {
	return Param{Name: name, Kind: kind}
}

// Validate checks raw params against the schema and returns one FieldError per
// offending field, sorted by field name. An empty result means the shape is valid.
func (s Schema) Validate(raw json.RawMessage) []jsonrpc.FieldError {
	body := strings.TrimSpace(string(raw))
	if body == "" || body == "null" {
		body = "{}"
	}
	if !gjson.Valid(body) {
		return []jsonrpc.FieldError{{Field: "params", Reason: "malformed JSON"}}
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return []jsonrpc.FieldError{{Field: "params", Reason: "must be an object"}}
	}

	fields := make(map[string]gjson.Result)
	root.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value
		return true
	})

	var errs []jsonrpc.FieldError
	declared := make(map[string]bool, len(s))
	for _, p := range s {
		declared[p.Name] = true
		v, present := fields[p.Name]
		if !present {
			if p.Required {
				errs = append(errs, jsonrpc.FieldError{Field: p.Name, Reason: "required"})
			}
			continue
		}
		if v.Type == gjson.Null {
			if !p.Nullable {
				errs = append(errs, jsonrpc.FieldError{Field: p.Name, Reason: "must not be null"})
			}
			continue
		}
		if reason := p.check(v); reason != "" {
			errs = append(errs, jsonrpc.FieldError{Field: p.Name, Reason: reason})
		}
	}
	for name := range fields {
		if !declared[name] {
			errs = append(errs, jsonrpc.FieldError{Field: name, Reason: "unknown field"})
		}
	}

	slices.SortFunc(errs, func(a, b jsonrpc.FieldError) int {
		return strings.Compare(a.Field, b.Field)
	})
	return errs
}

func (p Param) check(v gjson.Result) string {
	if reason := checkKind(p.Kind, v); reason != "" {
		return reason
	}
	if len(p.Enum) > 0 && !slices.Contains(p.Enum, v.String()) {
		return fmt.Sprintf("must be one of %s", strings.Join(p.Enum, ", "))
	}
	if p.Kind == KindArray && p.Items != "" {
		reason := ""
		i := 0
		v.ForEach(func(_, item gjson.Result) bool {
			if r := checkKind(p.Items, item); r != "" {
				reason = fmt.Sprintf("item %d: %s", i, r)
				return false
			}
			i++
			return true
		})
		return reason
	}
	return ""
}

func checkKind(kind Kind, v gjson.Result) string {
	switch kind {
	case KindString:
		if v.Type != gjson.String {
			return "must be a string"
		}
	case KindBool:
		if v.Type != gjson.True && v.Type != gjson.False {
			return "must be a boolean"
		}
	case KindInt:
		if v.Type != gjson.Number || strings.ContainsAny(v.Raw, ".eE") {
			return "must be an integer"
		}
	case KindNumber:
		if v.Type != gjson.Number {
			return "must be a number"
		}
	case KindObject:
		if !v.IsObject() {
			return "must be an object"
		}
	case KindArray:
		if !v.IsArray() {
			return "must be an array"
		}
	case KindUUID:
		if v.Type != gjson.String {
			return "must be a uuid string"
		}
		if _, err := uuid.Parse(v.String()); err != nil {
			return "must be a uuid string"
		}
	case KindAny:
	default:
		return fmt.Sprintf("unsupported kind %q", kind)
	}
	return ""
}
