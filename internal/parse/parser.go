// Package parse is the rule-program front end. It turns source text into
// relation type declarations, base fact sets, rules and query directives for
// the compiler. The grammar is deliberately small: it exists to describe
// engine inputs, not to be a full language.
//
//	type digit(string, float)
//	rel digit("0", 0.0)
//	rel edge = {(1, 2), 0.5::(2, 3)}
//	rel path(x, y) = edge(x, y)
//	rel path(x, z) = path(x, y), edge(y, z)
//	rel lengths(x, $string_length(x)) = strings(x)
//	query path
package parse

import (
	"fmt"

	"provlog/internal/rules"
	"provlog/internal/value"
)

// Error reports a syntax error with its source position.
type Error struct {
	Line int
	Col  int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at line %d col %d: %s", e.Line, e.Col, e.Msg)
}

func (e *Error) Stage() string { return "parse" }

// TypeDecl declares a relation schema.
type TypeDecl struct {
	Name  string
	Kinds []value.Kind
}

// FactDecl is one base fact with an optional weight.
type FactDecl struct {
	Relation string
	Tuple    value.Tuple
	Weight   *float64
}

// Program is a parsed rule program.
type Program struct {
	Types   []TypeDecl
	Facts   []FactDecl
	Rules   []rules.Rule
	Queries []string
}

// Parse parses a complete rule program.
func Parse(src string) (*Program, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, &Error{Line: 1, Msg: err.Error()}
	}
	p := &parser{toks: toks}
	return p.program()
}

type parser struct {
	toks []token
	pos  int

	// pendingDemand holds a @demand annotation awaiting its rule.
	pendingDemand string
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) peek(k int) token {
	if p.pos+k >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+k]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errf(t token, format string, args ...any) error {
	return &Error{Line: t.line, Col: t.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) acceptPunct(s string) bool {
	if p.isPunct(s) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return p.errf(p.cur(), "expected %q, got %s", s, p.cur())
	}
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return "", p.errf(t, "expected identifier, got %s", t)
	}
	p.advance()
	return t.text, nil
}

func (p *parser) program() (*Program, error) {
	prog := &Program{}
	for p.cur().kind != tokEOF {
		t := p.cur()
		switch {
		case t.kind == tokPunct && t.text == "@":
			if err := p.annotation(); err != nil {
				return nil, err
			}
		case t.kind == tokIdent && t.text == "type":
			p.advance()
			if err := p.typeDecl(prog); err != nil {
				return nil, err
			}
		case t.kind == tokIdent && t.text == "rel":
			p.advance()
			if err := p.relDecl(prog); err != nil {
				return nil, err
			}
		case t.kind == tokIdent && t.text == "query":
			p.advance()
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			prog.Queries = append(prog.Queries, name)
		default:
			return nil, p.errf(t, "expected 'type', 'rel', 'query' or annotation, got %s", t)
		}
	}
	if p.pendingDemand != "" {
		return nil, p.errf(p.cur(), "@demand annotation not followed by a rule")
	}
	return prog, nil
}

// annotation := "@" "demand" "(" STRING ")"
func (p *parser) annotation() error {
	p.advance() // "@"
	name, err := p.expectIdent()
	if err != nil {
		return err
	}
	if name != "demand" {
		return p.errf(p.cur(), "unknown annotation @%s", name)
	}
	if err := p.expectPunct("("); err != nil {
		return err
	}
	t := p.cur()
	if t.kind != tokString {
		return p.errf(t, "@demand expects a pattern string")
	}
	p.advance()
	p.pendingDemand = t.sval
	return p.expectPunct(")")
}

// typeDecl := IDENT "(" attr ("," attr)* ")", attr := [IDENT ":"] kind
func (p *parser) typeDecl(prog *Program) error {
	name, err := p.expectIdent()
	if err != nil {
		return err
	}
	if err := p.expectPunct("("); err != nil {
		return err
	}
	var kinds []value.Kind
	for {
		kindTok := p.cur()
		kindName, err := p.expectIdent()
		if err != nil {
			return err
		}
		// Named attribute: "name: kind".
		if p.acceptPunct(":") {
			kindTok = p.cur()
			if kindName, err = p.expectIdent(); err != nil {
				return err
			}
		}
		k, err := value.ParseKind(kindName)
		if err != nil {
			return p.errf(kindTok, "%v", err)
		}
		kinds = append(kinds, k)
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return err
	}
	prog.Types = append(prog.Types, TypeDecl{Name: name, Kinds: kinds})
	return nil
}

// relDecl handles fact sets, ground facts and rules.
func (p *parser) relDecl(prog *Program) error {
	weight, err := p.optionalWeight()
	if err != nil {
		return err
	}

	name, err := p.expectIdent()
	if err != nil {
		return err
	}

	// Fact set: rel name = { ... }
	if p.isPunct("=") && p.peek(1).kind == tokPunct && p.peek(1).text == "{" {
		if weight != nil {
			return p.errf(p.cur(), "weight on a fact set belongs on its elements")
		}
		if p.pendingDemand != "" {
			return p.errf(p.cur(), "@demand applies to rules, not fact sets")
		}
		p.advance() // "="
		p.advance() // "{"
		return p.factSet(prog, name)
	}

	if err := p.expectPunct("("); err != nil {
		return err
	}
	head := rules.Atom{Relation: name}
	for {
		e, err := p.expr()
		if err != nil {
			return err
		}
		head.Args = append(head.Args, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return err
	}

	// Rule body.
	if p.acceptPunct("=") || p.acceptPunct(":-") {
		r := rules.Rule{Head: head, TagWeight: weight, Demand: p.pendingDemand}
		p.pendingDemand = ""
		for {
			lit, err := p.literal()
			if err != nil {
				return err
			}
			r.Body = append(r.Body, lit)
			if !p.acceptPunct(",") {
				break
			}
		}
		prog.Rules = append(prog.Rules, r)
		return nil
	}

	// Ground fact: all head args must be constants.
	if p.pendingDemand != "" {
		return p.errf(p.cur(), "@demand applies to rules, not facts")
	}
	tuple := make(value.Tuple, len(head.Args))
	for i, a := range head.Args {
		c, ok := a.(rules.Const)
		if !ok {
			return p.errf(p.cur(), "fact %s has non-constant argument %s", name, a)
		}
		tuple[i] = c.Val
	}
	prog.Facts = append(prog.Facts, FactDecl{Relation: name, Tuple: tuple, Weight: weight})
	return nil
}

// factSet := elem ("," elem)* [","] "}", elem := [weight "::"] (tuple | const)
func (p *parser) factSet(prog *Program, name string) error {
	for {
		if p.acceptPunct("}") {
			return nil
		}
		weight, err := p.optionalWeight()
		if err != nil {
			return err
		}
		var tuple value.Tuple
		if p.acceptPunct("(") {
			for {
				v, err := p.constValue()
				if err != nil {
					return err
				}
				tuple = append(tuple, v)
				if !p.acceptPunct(",") {
					break
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		} else {
			v, err := p.constValue()
			if err != nil {
				return err
			}
			tuple = value.Tuple{v}
		}
		prog.Facts = append(prog.Facts, FactDecl{Relation: name, Tuple: tuple, Weight: weight})
		if !p.acceptPunct(",") {
			return p.expectPunct("}")
		}
	}
}

// optionalWeight consumes "NUMBER ::" if present.
func (p *parser) optionalWeight() (*float64, error) {
	t := p.cur()
	if (t.kind == tokFloat || t.kind == tokInt) && p.peek(1).kind == tokPunct && p.peek(1).text == "::" {
		p.advance()
		p.advance()
		w := t.fval
		if t.kind == tokInt {
			w = float64(t.ival)
		}
		return &w, nil
	}
	return nil, nil
}

// constValue parses a literal, with optional leading minus.
func (p *parser) constValue() (value.Value, error) {
	neg := p.acceptPunct("-")
	t := p.cur()
	switch {
	case t.kind == tokInt:
		p.advance()
		if neg {
			return value.Int(-t.ival), nil
		}
		return value.Int(t.ival), nil
	case t.kind == tokFloat:
		p.advance()
		if neg {
			return value.Float(-t.fval), nil
		}
		return value.Float(t.fval), nil
	case t.kind == tokString:
		p.advance()
		if neg {
			return value.Value{}, p.errf(t, "cannot negate a string")
		}
		return value.String(t.sval), nil
	case t.kind == tokIdent && (t.text == "true" || t.text == "false"):
		p.advance()
		if neg {
			return value.Value{}, p.errf(t, "cannot negate a bool")
		}
		return value.Bool(t.text == "true"), nil
	default:
		return value.Value{}, p.errf(t, "expected a literal value, got %s", t)
	}
}

var cmpOps = map[string]rules.CmpOp{
	"==": rules.CmpEq,
	"!=": rules.CmpNe,
	"<":  rules.CmpLt,
	"<=": rules.CmpLe,
	">":  rules.CmpGt,
	">=": rules.CmpGe,
}

func (p *parser) isAggregateAhead() bool {
	t := p.cur()
	if t.kind != tokIdent {
		return false
	}
	if p.peek(1).kind != tokPunct || p.peek(1).text != "=" {
		return false
	}
	agg := p.peek(2)
	if agg.kind != tokIdent {
		return false
	}
	if _, ok := rules.ParseAggOp(agg.text); !ok {
		return false
	}
	return p.peek(3).kind == tokPunct && p.peek(3).text == "("
}

// literal := "not" atom | atom | aggregate | expr CMP expr
func (p *parser) literal() (rules.Literal, error) {
	t := p.cur()

	if t.kind == tokIdent && t.text == "not" {
		p.advance()
		atom, err := p.atom()
		if err != nil {
			return rules.Literal{}, err
		}
		return rules.Literal{Atom: &rules.AtomLit{Atom: atom, Negated: true}}, nil
	}

	if p.isAggregateAhead() {
		return p.aggregate()
	}

	// Atom: IDENT "(" not preceded by "$".
	if t.kind == tokIdent && t.text != "true" && t.text != "false" &&
		p.peek(1).kind == tokPunct && p.peek(1).text == "(" {
		atom, err := p.atom()
		if err != nil {
			return rules.Literal{}, err
		}
		return rules.Literal{Atom: &rules.AtomLit{Atom: atom}}, nil
	}

	// Constraint.
	l, err := p.expr()
	if err != nil {
		return rules.Literal{}, err
	}
	opTok := p.cur()
	op, ok := cmpOps[opTok.text]
	if opTok.kind != tokPunct || !ok {
		return rules.Literal{}, p.errf(opTok, "expected comparison operator, got %s", opTok)
	}
	p.advance()
	r, err := p.expr()
	if err != nil {
		return rules.Literal{}, err
	}
	return rules.Literal{Constraint: &rules.Constraint{Op: op, L: l, R: r}}, nil
}

// atom := IDENT "(" expr ("," expr)* ")"
func (p *parser) atom() (rules.Atom, error) {
	name, err := p.expectIdent()
	if err != nil {
		return rules.Atom{}, err
	}
	if err := p.expectPunct("("); err != nil {
		return rules.Atom{}, err
	}
	a := rules.Atom{Relation: name}
	for {
		e, err := p.expr()
		if err != nil {
			return rules.Atom{}, err
		}
		a.Args = append(a.Args, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return rules.Atom{}, err
	}
	return a, nil
}

// aggregate := VAR "=" AGGOP "(" var ("," var)* ":" atom ("," atom)* ")"
func (p *parser) aggregate() (rules.Literal, error) {
	varName, _ := p.expectIdent()
	_ = p.acceptPunct("=")
	opName, _ := p.expectIdent()
	op, _ := rules.ParseAggOp(opName)
	if err := p.expectPunct("("); err != nil {
		return rules.Literal{}, err
	}

	agg := rules.Aggregate{Var: varName, Op: op}
	for {
		v, err := p.expectIdent()
		if err != nil {
			return rules.Literal{}, err
		}
		agg.GroupVars = append(agg.GroupVars, v)
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(":"); err != nil {
		return rules.Literal{}, err
	}
	for {
		negated := false
		if p.cur().kind == tokIdent && p.cur().text == "not" {
			p.advance()
			negated = true
		}
		a, err := p.atom()
		if err != nil {
			return rules.Literal{}, err
		}
		agg.Body = append(agg.Body, rules.AtomLit{Atom: a, Negated: negated})
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return rules.Literal{}, err
	}
	return rules.Literal{Aggregate: &agg}, nil
}

// expr := mul (("+" | "-") mul)*
func (p *parser) expr() (rules.Expr, error) {
	l, err := p.mul()
	if err != nil {
		return nil, err
	}
	for {
		var op rules.ArithOp
		switch {
		case p.isPunct("+"):
			op = rules.OpAdd
		case p.isPunct("-"):
			op = rules.OpSub
		default:
			return l, nil
		}
		p.advance()
		r, err := p.mul()
		if err != nil {
			return nil, err
		}
		l = rules.Binary{Op: op, L: l, R: r}
	}
}

// mul := unary (("*" | "/" | "%") unary)*
func (p *parser) mul() (rules.Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		var op rules.ArithOp
		switch {
		case p.isPunct("*"):
			op = rules.OpMul
		case p.isPunct("/"):
			op = rules.OpDiv
		case p.isPunct("%"):
			op = rules.OpMod
		default:
			return l, nil
		}
		p.advance()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = rules.Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) unary() (rules.Expr, error) {
	if p.isPunct("-") {
		p.advance()
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		// Fold negative literals.
		if c, ok := e.(rules.Const); ok {
			switch c.Val.Kind {
			case value.KindInt:
				return rules.Const{Val: value.Int(-c.Val.Int)}, nil
			case value.KindFloat:
				return rules.Const{Val: value.Float(-c.Val.Float)}, nil
			}
		}
		return rules.Binary{Op: rules.OpSub, L: rules.Const{Val: value.Int(0)}, R: e}, nil
	}
	return p.primary()
}

func (p *parser) primary() (rules.Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokInt:
		p.advance()
		return rules.Const{Val: value.Int(t.ival)}, nil
	case t.kind == tokFloat:
		p.advance()
		return rules.Const{Val: value.Float(t.fval)}, nil
	case t.kind == tokString:
		p.advance()
		return rules.Const{Val: value.String(t.sval)}, nil
	case t.kind == tokIdent && (t.text == "true" || t.text == "false"):
		p.advance()
		return rules.Const{Val: value.Bool(t.text == "true")}, nil
	case t.kind == tokPunct && t.text == "$":
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		call := rules.Call{Name: name}
		if !p.isPunct(")") {
			for {
				e, err := p.expr()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, e)
				if !p.acceptPunct(",") {
					break
				}
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return call, nil
	case t.kind == tokIdent:
		p.advance()
		return rules.Var{Name: t.text}, nil
	case t.kind == tokPunct && t.text == "(":
		p.advance()
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, p.errf(t, "expected expression, got %s", t)
	}
}
