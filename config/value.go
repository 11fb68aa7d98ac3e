// Package config parses boot configuration scripts into environments and
// executes the commands they contain. An environment maps names to values
// and chains to a parent for scoped lookup; booting an entry means booting
// the environment built by that entry's commands.
package config

import (
	"fmt"
	"strings"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// ValueType discriminates Value.
type ValueType int

const (
	TypeInteger ValueType = iota
	TypeBoolean
	TypeString
	TypeList
	TypeCommandList
	TypeReference
)

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeCommandList:
		return "command list"
	case TypeReference:
		return "reference"
	}
	return "unknown"
}

// Call is one parsed command invocation.
type Call struct {
	Name string
	Args []Value

	Line int
	Col  int
}

// Value is the closed sum of everything a configuration name can hold. The
// field matching Type is the live one.
type Value struct {
	Type     ValueType
	Integer  uint64
	Boolean  bool
	String   string // also the referenced name for TypeReference
	List     []Value
	Commands []*Call
}

func IntegerValue(v uint64) Value { return Value{Type: TypeInteger, Integer: v} }
func BooleanValue(v bool) Value   { return Value{Type: TypeBoolean, Boolean: v} }
func StringValue(v string) Value  { return Value{Type: TypeString, String: v} }
func ListValue(v ...Value) Value  { return Value{Type: TypeList, List: v} }

// Copy returns a value independent of the original's backing storage.
func (v Value) Copy() Value {
	out := v
	if v.Type == TypeList {
		out.List = make([]Value, len(v.List))
		for i, item := range v.List {
			out.List[i] = item.Copy()
		}
	}
	return out
}

// Equals compares two values structurally. Command lists compare equal only
// when they are the same list.
func (v Value) Equals(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeInteger:
		return v.Integer == other.Integer
	case TypeBoolean:
		return v.Boolean == other.Boolean
	case TypeString, TypeReference:
		return v.String == other.String
	case TypeList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equals(other.List[i]) {
				return false
			}
		}
		return true
	case TypeCommandList:
		return len(v.Commands) == len(other.Commands) &&
			(len(v.Commands) == 0 || v.Commands[0] == other.Commands[0])
	}
	return false
}

func (v Value) typeName() string { return v.Type.String() }

// format renders a value for in-string substitution.
func (v Value) format() (string, error) {
	switch v.Type {
	case TypeInteger:
		return fmt.Sprintf("%d", v.Integer), nil
	case TypeBoolean:
		if v.Boolean {
			return "true", nil
		}
		return "false", nil
	case TypeString:
		return v.String, nil
	}
	return "", cerrors.Wrapf(status.ErrInvalidArg, "cannot substitute a %s into a string", v.typeName())
}

// Substitute resolves $name references and in-string ${name} substitutions
// against an environment, returning the resolved value.
func (v Value) Substitute(env *Environ) (Value, error) {
	switch v.Type {
	case TypeReference:
		target, ok := env.Lookup(v.String)
		if !ok {
			return Value{}, cerrors.Wrapf(status.ErrNotFound, "variable %q not set", v.String)
		}
		return target.Copy(), nil

	case TypeString:
		if !strings.Contains(v.String, "${") {
			return v, nil
		}
		var sb strings.Builder
		s := v.String
		for {
			start := strings.Index(s, "${")
			if start < 0 {
				sb.WriteString(s)
				break
			}
			end := strings.Index(s[start:], "}")
			if end < 0 {
				return Value{}, cerrors.Wrapf(status.ErrInvalidArg, "unterminated substitution in %q", v.String)
			}
			name := s[start+2 : start+end]
			target, ok := env.Lookup(name)
			if !ok {
				return Value{}, cerrors.Wrapf(status.ErrNotFound, "variable %q not set", name)
			}
			text, err := target.format()
			if err != nil {
				return Value{}, err
			}
			sb.WriteString(s[:start])
			sb.WriteString(text)
			s = s[start+end+1:]
		}
		return StringValue(sb.String()), nil

	case TypeList:
		out := make([]Value, len(v.List))
		for i, item := range v.List {
			resolved, err := item.Substitute(env)
			if err != nil {
				return Value{}, err
			}
			out[i] = resolved
		}
		return Value{Type: TypeList, List: out}, nil
	}

	return v, nil
}
