package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports where in a script parsing failed. Scripts fail one
// entry at a time: the error is attached to the enclosing entry and the
// rest of the configuration still loads.
type ParseError struct {
	Path string
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Col, e.Msg)
}

type parser struct {
	path string
	src  []byte
	pos  int
	line int
	col  int
}

// Parse parses a configuration script into its command list.
func Parse(path string, src []byte) ([]*Call, error) {
	p := &parser{path: path, src: src, line: 1, col: 1}
	return p.commandList(0)
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Path: p.path, Line: p.line, Col: p.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte { return p.src[p.pos] }

func (p *parser) next() byte {
	c := p.src[p.pos]
	p.pos++
	if c == '\n' {
		p.line++
		p.col = 1
	} else {
		p.col++
	}
	return c
}

// skip advances over whitespace and comments. With newlines false it stops
// at a line break, which is what terminates a statement.
func (p *parser) skip(newlines bool) {
	for !p.eof() {
		switch c := p.peek(); {
		case c == '#':
			for !p.eof() && p.peek() != '\n' {
				p.next()
			}
		case c == '\n':
			if !newlines {
				return
			}
			p.next()
		case c == ' ' || c == '\t' || c == '\r':
			p.next()
		default:
			return
		}
	}
}

func isWordByte(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '#', '"', '[', ']', '{', '}', '$':
		return false
	}
	return true
}

func (p *parser) word() string {
	start := p.pos
	for !p.eof() && isWordByte(p.peek()) {
		p.next()
	}
	return string(p.src[start:p.pos])
}

func (p *parser) quotedString() (string, error) {
	p.next() // opening quote

	var sb strings.Builder
	for {
		if p.eof() {
			return "", p.errorf("unterminated string")
		}
		c := p.next()
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated string")
			}
			switch esc := p.next(); esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '"', '\\', '$':
				sb.WriteByte(esc)
			default:
				return "", p.errorf("unknown escape character %q", esc)
			}
		default:
			sb.WriteByte(c)
		}
	}
}

func (p *parser) value() (Value, error) {
	switch c := p.peek(); c {
	case '"':
		s, err := p.quotedString()
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil

	case '$':
		p.next()
		name := p.word()
		if name == "" {
			return Value{}, p.errorf("empty variable reference")
		}
		return Value{Type: TypeReference, String: name}, nil

	case '[':
		p.next()
		var list []Value
		for {
			p.skip(true)
			if p.eof() {
				return Value{}, p.errorf("unterminated list")
			}
			if p.peek() == ']' {
				p.next()
				return Value{Type: TypeList, List: list}, nil
			}
			item, err := p.value()
			if err != nil {
				return Value{}, err
			}
			list = append(list, item)
		}

	case '{':
		p.next()
		calls, err := p.commandList('}')
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeCommandList, Commands: calls}, nil

	default:
		if !isWordByte(c) {
			return Value{}, p.errorf("unexpected character %q", c)
		}
		word := p.word()
		if word == "true" {
			return BooleanValue(true), nil
		}
		if word == "false" {
			return BooleanValue(false), nil
		}
		if word[0] >= '0' && word[0] <= '9' {
			// Base 8, 10 or 16 by prefix.
			n, err := strconv.ParseUint(word, 0, 64)
			if err != nil {
				return Value{}, p.errorf("malformed integer %q", word)
			}
			return IntegerValue(n), nil
		}
		return StringValue(word), nil
	}
}

// commandList parses statements until the terminator character, or until
// end of input when the terminator is zero.
func (p *parser) commandList(term byte) ([]*Call, error) {
	calls := []*Call{}
	for {
		p.skip(true)
		if p.eof() {
			if term != 0 {
				return nil, p.errorf("unexpected end of input, expected %q", term)
			}
			return calls, nil
		}
		if term != 0 && p.peek() == term {
			p.next()
			return calls, nil
		}

		call := &Call{Line: p.line, Col: p.col}
		if !isWordByte(p.peek()) {
			return nil, p.errorf("unexpected character %q, expected a command name", p.peek())
		}
		call.Name = p.word()

		for {
			p.skip(false)
			if p.eof() || p.peek() == '\n' {
				break
			}
			if term != 0 && p.peek() == term {
				break
			}
			arg, err := p.value()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
		}

		calls = append(calls, call)
	}
}
