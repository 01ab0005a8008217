// Package expression implements the small boolean/string DSL that stream
// filters, group conditions and the dynamic-fetching exit condition are
// written in. Expressions are parsed into an AST once and can then be
// evaluated many times, either against a whole stream collection (conditions)
// or once per stream (selectors).
package expression

import (
	"fmt"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

// Kind is the type of an evaluation result.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindStringList
	KindStreams
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindStringList:
		return "string list"
	case KindStreams:
		return "stream list"
	default:
		return "null"
	}
}

// Value is the result of evaluating an expression or sub-expression.
type Value struct {
	Kind    Kind
	Bool    bool
	Num     float64
	Str     string
	Strs    []string
	Streams []*stream.ParsedStream
}

// ParseError describes a syntactically invalid expression.
// Pos is the byte offset of the offending token in the source.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid expression at offset %d: %s", e.Pos, e.Msg)
}

// TypeError describes an evaluation that produced or consumed a value of the
// wrong kind. Expr is the offending sub-expression, Got the observed kind.
type TypeError struct {
	Expr string
	Got  Kind
	Want Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error in %q: got %s, want %s", e.Expr, e.Got, e.Want)
}

// Expression is a parsed, reusable expression.
type Expression struct {
	src  string
	root node
}

// Parse compiles the expression source. It fails with a *ParseError carrying
// the position of the first offending token.
func Parse(src string) (*Expression, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, &ParseError{Pos: p.peek().pos, Msg: fmt.Sprintf("unexpected token %q", p.peek().text)}
	}
	return &Expression{src: src, root: root}, nil
}

// Evaluate runs the expression against a stream collection. The collection is
// bound to the "streams" identifier; bare stream attributes are only valid
// inside per-stream predicates (see Select).
func (e *Expression) Evaluate(streams []*stream.ParsedStream) (Value, error) {
	env := &env{streams: streams}
	return eval(e.root, env)
}

// EvaluateCondition evaluates the expression and requires a boolean result.
func (e *Expression) EvaluateCondition(streams []*stream.ParsedStream) (bool, error) {
	val, err := e.Evaluate(streams)
	if err != nil {
		return false, err
	}
	if val.Kind != KindBool {
		return false, &TypeError{Expr: e.src, Got: val.Kind, Want: KindBool}
	}
	return val.Bool, nil
}

// Select evaluates the expression once per stream as a predicate and returns
// the matching streams in input order.
func (e *Expression) Select(streams []*stream.ParsedStream) ([]*stream.ParsedStream, error) {
	var selected []*stream.ParsedStream
	for _, s := range streams {
		env := &env{streams: streams, current: s}
		val, err := eval(e.root, env)
		if err != nil {
			return nil, err
		}
		if val.Kind != KindBool {
			return nil, &TypeError{Expr: e.src, Got: val.Kind, Want: KindBool}
		}
		if val.Bool {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// ValidateCondition checks that the source parses and that a dry run against
// an empty collection yields a boolean.
func ValidateCondition(src string) error {
	expr, err := Parse(src)
	if err != nil {
		return err
	}
	_, err = expr.EvaluateCondition(nil)
	return err
}

// ValidateSelector checks that the source parses and that a dry run per
// stream yields booleans, i.e. that Select would return a stream list.
func ValidateSelector(src string) error {
	expr, err := Parse(src)
	if err != nil {
		return err
	}
	_, err = expr.Select([]*stream.ParsedStream{{}})
	return err
}
