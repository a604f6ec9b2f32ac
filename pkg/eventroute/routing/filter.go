package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// ErrInvalidFilter is returned when a filter expression cannot be parsed.
var ErrInvalidFilter = errors.New("routing: invalid filter")

// Filter is a compiled rule condition evaluated against an event.
//
// Syntax:
//
//	<expr> := <expr> 'or' <expr> | <expr> 'and' <expr> | 'not' <expr> | '!' <expr>
//	        | <value> <op> <value> | <value>
//	<op>   := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains'
//
// 'or' binds loosest, then 'and', then negation. Values are quoted
// strings, numbers, true/false/null, or identifiers. Identifiers name
// event metadata (type, source, id, trace_id, detail_type, region,
// account) or payload fields under "detail.", e.g.
//
//	type == 'posting' and detail.invoiceAmount > 1000
//
// Equality compares string forms; ordering compares numerically.
type Filter struct {
	src  string
	root node
}

// CompileFilter parses expr into a Filter.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}
	root, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, expr, err)
	}
	return &Filter{src: expr, root: root}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.src
}

// Matches evaluates the filter against evt.
func (f *Filter) Matches(evt event.Event) bool {
	return f.root.eval(newScope(evt))
}

type node interface {
	eval(s *scope) bool
}

type orNode struct{ left, right node }

func (n orNode) eval(s *scope) bool { return n.left.eval(s) || n.right.eval(s) }

type andNode struct{ left, right node }

func (n andNode) eval(s *scope) bool { return n.left.eval(s) && n.right.eval(s) }

type notNode struct{ inner node }

func (n notNode) eval(s *scope) bool { return !n.inner.eval(s) }

type compareNode struct {
	left, right operand
	cmp         func(l, r any) bool
}

func (n compareNode) eval(s *scope) bool {
	return n.cmp(n.left.value(s), n.right.value(s))
}

type truthNode struct{ v operand }

func (n truthNode) eval(s *scope) bool { return isTruthy(n.v.value(s)) }

// Longer operators first so ">=" is not read as ">".
var operators = []struct {
	token string
	cmp   func(l, r any) bool
}{
	{"==", func(l, r any) bool { return fmt.Sprint(l) == fmt.Sprint(r) }},
	{"!=", func(l, r any) bool { return fmt.Sprint(l) != fmt.Sprint(r) }},
	{">=", func(l, r any) bool { return toFloat64(l) >= toFloat64(r) }},
	{"<=", func(l, r any) bool { return toFloat64(l) <= toFloat64(r) }},
	{">", func(l, r any) bool { return toFloat64(l) > toFloat64(r) }},
	{"<", func(l, r any) bool { return toFloat64(l) < toFloat64(r) }},
	{" contains ", func(l, r any) bool { return strings.Contains(fmt.Sprint(l), fmt.Sprint(r)) }},
}

func parse(expr string) (node, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("missing operand")
	}
	fields := strings.Fields(expr)
	switch first, last := fields[0], fields[len(fields)-1]; {
	case first == "and" || first == "or":
		return nil, fmt.Errorf("%q without left operand", first)
	case last == "and" || last == "or" || last == "not":
		return nil, fmt.Errorf("%q without right operand", last)
	}

	if parts := strings.SplitN(expr, " or ", 2); len(parts) == 2 {
		return parseBinary(parts, func(l, r node) node { return orNode{l, r} })
	}
	if parts := strings.SplitN(expr, " and ", 2); len(parts) == 2 {
		return parseBinary(parts, func(l, r node) node { return andNode{l, r} })
	}

	if rest, ok := strings.CutPrefix(expr, "not "); ok {
		inner, err := parse(rest)
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	if rest, ok := strings.CutPrefix(expr, "!"); ok && !strings.HasPrefix(rest, "=") {
		inner, err := parse(rest)
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}

	for _, op := range operators {
		if parts := strings.SplitN(expr, op.token, 2); len(parts) == 2 {
			l, r := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if l == "" || r == "" {
				return nil, fmt.Errorf("operator %q needs two operands", strings.TrimSpace(op.token))
			}
			return compareNode{left: parseOperand(l), right: parseOperand(r), cmp: op.cmp}, nil
		}
	}

	return truthNode{parseOperand(expr)}, nil
}

func parseBinary(parts []string, build func(l, r node) node) (node, error) {
	left, err := parse(parts[0])
	if err != nil {
		return nil, err
	}
	right, err := parse(parts[1])
	if err != nil {
		return nil, err
	}
	return build(left, right), nil
}

// operand is a literal or a reference resolved per event.
type operand struct {
	literal any
	ref     string
}

func (o operand) value(s *scope) any {
	if o.ref == "" {
		return o.literal
	}
	return s.lookup(o.ref)
}

var metadataFields = map[string]bool{
	"type": true, "source": true, "id": true, "trace_id": true,
	"detail_type": true, "region": true, "account": true,
}

func parseOperand(s string) operand {
	if (strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2) ||
		(strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") && len(s) >= 2) {
		return operand{literal: s[1 : len(s)-1]}
	}

	switch strings.ToLower(s) {
	case "true":
		return operand{literal: true}
	case "false":
		return operand{literal: false}
	case "null", "nil":
		return operand{literal: nil}
	}

	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return operand{literal: i}
		}
		if f, err := num.Float64(); err == nil {
			return operand{literal: f}
		}
	}

	if metadataFields[s] || strings.HasPrefix(s, "detail.") {
		return operand{ref: s}
	}

	// Bare words compare as strings: type == posting
	return operand{literal: s}
}

// scope resolves references for one event. The payload is decoded at
// most once and only if a detail reference is evaluated.
type scope struct {
	evt     event.Event
	detail  map[string]any
	decoded bool
}

func newScope(evt event.Event) *scope {
	return &scope{evt: evt}
}

func (s *scope) lookup(ref string) any {
	switch ref {
	case "type":
		return s.evt.Type
	case "source":
		return s.evt.Source
	case "id":
		return s.evt.ID
	case "trace_id":
		return s.evt.TraceID
	case "detail_type":
		return s.evt.DetailType
	case "region":
		return s.evt.Region
	case "account":
		return s.evt.Account
	}

	path, ok := strings.CutPrefix(ref, "detail.")
	if !ok {
		return nil
	}
	if !s.decoded {
		s.decoded = true
		if len(s.evt.Payload) > 0 {
			_ = json.Unmarshal(s.evt.Payload, &s.detail)
		}
	}

	var cur any = s.detail
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}
