package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

type env struct {
	streams []*stream.ParsedStream
	current *stream.ParsedStream
}

func eval(n node, e *env) (Value, error) {
	switch n := n.(type) {
	case *litNode:
		return n.val, nil
	case *identNode:
		return evalIdent(n, e)
	case *listNode:
		return evalList(n, e)
	case *unaryNode:
		return evalUnary(n, e)
	case *binaryNode:
		return evalBinary(n, e)
	case *callNode:
		return evalCall(n, e)
	default:
		return Value{}, fmt.Errorf("unknown expression node %T", n)
	}
}

func evalIdent(n *identNode, e *env) (Value, error) {
	if n.path == "streams" {
		return Value{Kind: KindStreams, Streams: e.streams}, nil
	}
	if e.current == nil {
		return Value{}, fmt.Errorf("identifier %q requires a stream context", n.path)
	}
	field, ok := stream.Field(e.current, n.path)
	if !ok {
		return Value{}, fmt.Errorf("unknown stream attribute %q", n.path)
	}
	switch v := field.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case string:
		return Value{Kind: KindString, Str: v}, nil
	case bool:
		return Value{Kind: KindBool, Bool: v}, nil
	case float64:
		return Value{Kind: KindNumber, Num: v}, nil
	case int:
		return Value{Kind: KindNumber, Num: float64(v)}, nil
	case int64:
		return Value{Kind: KindNumber, Num: float64(v)}, nil
	case []string:
		return Value{Kind: KindStringList, Strs: v}, nil
	default:
		return Value{}, fmt.Errorf("stream attribute %q has unsupported type %T", n.path, field)
	}
}

func evalList(n *listNode, e *env) (Value, error) {
	strs := make([]string, 0, len(n.elems))
	for _, elem := range n.elems {
		val, err := eval(elem, e)
		if err != nil {
			return Value{}, err
		}
		if val.Kind != KindString {
			return Value{}, &TypeError{Expr: elem.text(), Got: val.Kind, Want: KindString}
		}
		strs = append(strs, val.Str)
	}
	return Value{Kind: KindStringList, Strs: strs}, nil
}

func evalUnary(n *unaryNode, e *env) (Value, error) {
	val, err := eval(n.x, e)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case "not":
		if val.Kind != KindBool {
			return Value{}, &TypeError{Expr: n.x.text(), Got: val.Kind, Want: KindBool}
		}
		return Value{Kind: KindBool, Bool: !val.Bool}, nil
	case "-":
		if val.Kind != KindNumber {
			return Value{}, &TypeError{Expr: n.x.text(), Got: val.Kind, Want: KindNumber}
		}
		return Value{Kind: KindNumber, Num: -val.Num}, nil
	default:
		return Value{}, fmt.Errorf("unknown unary operator %q", n.op)
	}
}

func evalBinary(n *binaryNode, e *env) (Value, error) {
	// Short-circuiting boolean composition
	if n.op == "and" || n.op == "or" {
		left, err := eval(n.l, e)
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindBool {
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindBool}
		}
		if n.op == "and" && !left.Bool {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		if n.op == "or" && left.Bool {
			return Value{Kind: KindBool, Bool: true}, nil
		}
		right, err := eval(n.r, e)
		if err != nil {
			return Value{}, err
		}
		if right.Kind != KindBool {
			return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindBool}
		}
		return Value{Kind: KindBool, Bool: right.Bool}, nil
	}

	left, err := eval(n.l, e)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(n.r, e)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "=", "!=":
		equal, err := valuesEqual(n, left, right)
		if err != nil {
			return Value{}, err
		}
		if n.op == "!=" {
			equal = !equal
		}
		return Value{Kind: KindBool, Bool: equal}, nil
	case ">", ">=", "<", "<=":
		// Comparisons against absent attributes are false, not errors, so a
		// single unparseable stream doesn't break a whole filter run.
		if left.Kind == KindNull || right.Kind == KindNull {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		if left.Kind != KindNumber {
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindNumber}
		}
		if right.Kind != KindNumber {
			return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindNumber}
		}
		var result bool
		switch n.op {
		case ">":
			result = left.Num > right.Num
		case ">=":
			result = left.Num >= right.Num
		case "<":
			result = left.Num < right.Num
		case "<=":
			result = left.Num <= right.Num
		}
		return Value{Kind: KindBool, Bool: result}, nil
	case "+", "-", "*", "/":
		if left.Kind != KindNumber {
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindNumber}
		}
		if right.Kind != KindNumber {
			return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindNumber}
		}
		var result float64
		switch n.op {
		case "+":
			result = left.Num + right.Num
		case "-":
			result = left.Num - right.Num
		case "*":
			result = left.Num * right.Num
		case "/":
			if right.Num == 0 {
				return Value{}, fmt.Errorf("division by zero in %q", n.src)
			}
			result = left.Num / right.Num
		}
		return Value{Kind: KindNumber, Num: result}, nil
	case "contains":
		switch left.Kind {
		case KindNull:
			return Value{Kind: KindBool, Bool: false}, nil
		case KindString:
			if right.Kind != KindString {
				return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindString}
			}
			return Value{Kind: KindBool, Bool: strings.Contains(strings.ToLower(left.Str), strings.ToLower(right.Str))}, nil
		case KindStringList:
			if right.Kind != KindString {
				return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindString}
			}
			return Value{Kind: KindBool, Bool: containsFold(left.Strs, right.Str)}, nil
		default:
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindString}
		}
	case "matches":
		if right.Kind != KindString {
			return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindString}
		}
		if left.Kind == KindNull {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		if left.Kind != KindString {
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindString}
		}
		re, err := regexp.Compile(right.Str)
		if err != nil {
			return Value{}, fmt.Errorf("invalid regex %q: %v", right.Str, err)
		}
		return Value{Kind: KindBool, Bool: re.MatchString(left.Str)}, nil
	case "in":
		if right.Kind != KindStringList {
			return Value{}, &TypeError{Expr: n.r.text(), Got: right.Kind, Want: KindStringList}
		}
		if left.Kind == KindNull {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		if left.Kind != KindString {
			return Value{}, &TypeError{Expr: n.l.text(), Got: left.Kind, Want: KindString}
		}
		return Value{Kind: KindBool, Bool: containsFold(right.Strs, left.Str)}, nil
	default:
		return Value{}, fmt.Errorf("unknown operator %q", n.op)
	}
}

func valuesEqual(n *binaryNode, left, right Value) (bool, error) {
	if left.Kind == KindNull || right.Kind == KindNull {
		return false, nil
	}
	if left.Kind != right.Kind {
		return false, &TypeError{Expr: n.src, Got: right.Kind, Want: left.Kind}
	}
	switch left.Kind {
	case KindString:
		return strings.EqualFold(left.Str, right.Str), nil
	case KindNumber:
		return left.Num == right.Num, nil
	case KindBool:
		return left.Bool == right.Bool, nil
	default:
		return false, &TypeError{Expr: n.src, Got: left.Kind, Want: KindString}
	}
}

func evalCall(n *callNode, e *env) (Value, error) {
	switch n.name {
	case "count":
		streams, err := callStreamsArg(n, e, 1, 2)
		if err != nil {
			return Value{}, err
		}
		if len(n.args) == 1 {
			return Value{Kind: KindNumber, Num: float64(len(streams))}, nil
		}
		matched, err := filterStreams(n.args[1], streams, e)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindNumber, Num: float64(len(matched))}, nil
	case "empty":
		streams, err := callStreamsArg(n, e, 1, 1)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: len(streams) == 0}, nil
	case "filter":
		streams, err := callStreamsArg(n, e, 2, 2)
		if err != nil {
			return Value{}, err
		}
		matched, err := filterStreams(n.args[1], streams, e)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindStreams, Streams: matched}, nil
	case "any", "all":
		streams, err := callStreamsArg(n, e, 2, 2)
		if err != nil {
			return Value{}, err
		}
		matched, err := filterStreams(n.args[1], streams, e)
		if err != nil {
			return Value{}, err
		}
		if n.name == "any" {
			return Value{Kind: KindBool, Bool: len(matched) > 0}, nil
		}
		return Value{Kind: KindBool, Bool: len(matched) == len(streams)}, nil
	default:
		return Value{}, fmt.Errorf("unknown function %q", n.name)
	}
}

func callStreamsArg(n *callNode, e *env, minArgs, maxArgs int) ([]*stream.ParsedStream, error) {
	if len(n.args) < minArgs || len(n.args) > maxArgs {
		return nil, fmt.Errorf("%s expects between %d and %d arguments, got %d", n.name, minArgs, maxArgs, len(n.args))
	}
	val, err := eval(n.args[0], e)
	if err != nil {
		return nil, err
	}
	if val.Kind != KindStreams {
		return nil, &TypeError{Expr: n.args[0].text(), Got: val.Kind, Want: KindStreams}
	}
	return val.Streams, nil
}

func filterStreams(pred node, streams []*stream.ParsedStream, e *env) ([]*stream.ParsedStream, error) {
	var matched []*stream.ParsedStream
	for _, s := range streams {
		inner := &env{streams: e.streams, current: s}
		val, err := eval(pred, inner)
		if err != nil {
			return nil, err
		}
		if val.Kind != KindBool {
			return nil, &TypeError{Expr: pred.text(), Got: val.Kind, Want: KindBool}
		}
		if val.Bool {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

func containsFold(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
