// SPDX-License-Identifier: AGPL-3.0-or-later

package script

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// infixOps is the set of operators accepted inside a parenthesized infix
// expression, per spec §4.1.
var infixOps = map[string]bool{
	"^": true, "*": true, "/": true, "%": true, "+": true, "-": true,
	"&": true, "|": true, "and": true, "or": true, "==": true, "!=": true,
	"<=": true, ">=": true, "<": true, ">": true, ".": true,
}

// Parser builds an AST from a flat token stream produced by Lexer.
type Parser struct {
	toks []Token
	pos  int
}

// Parse tokenizes and parses script, returning the top-level SCOPE node
// whose Children are the script's top-level LINEs.
func Parse(src string) (*Node, error) {
	lx := NewLexer(src)
	toks, err := lx.Tokens()
	if err != nil {
		le := err.(*LexError)
		return nil, &ParseError{Line: le.Line, Column: 0, Msg: le.Msg}
	}

	p := &Parser{toks: toks}
	children, err := p.parseLines(nil)
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, &ParseError{Line: p.cur().Line, Column: 0, Msg: "incomplete parse, unexpected " + p.cur().Text}
	}
	return &Node{Kind: KindScope, Children: children}, nil
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.toks) {
		return Token{Kind: TokEOF}
	}
	return p.toks[p.pos]
}

func (p *Parser) atEOF() bool {
	return p.cur().Kind == TokEOF
}

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *Parser) isIdent(word string) bool {
	t := p.cur()
	return t.Kind == TokIdent && t.Text == word
}

func (p *Parser) isSymbol(sym string) bool {
	t := p.cur()
	return t.Kind == TokSymbol && t.Text == sym
}

func (p *Parser) expectSymbol(sym string) error {
	if !p.isSymbol(sym) {
		return &ParseError{Line: p.cur().Line, Msg: fmt.Sprintf("expected %q, got %q", sym, p.cur().Text)}
	}
	p.advance()
	return nil
}

func (p *Parser) expectIdent(word string) error {
	if !p.isIdent(word) {
		return &ParseError{Line: p.cur().Line, Msg: fmt.Sprintf("expected %q, got %q", word, p.cur().Text)}
	}
	p.advance()
	return nil
}

func (p *Parser) skipBlankLines() {
	for p.cur().Kind == TokNewline {
		p.advance()
	}
}

func (p *Parser) endOfLine() error {
	if p.cur().Kind == TokNewline || p.atEOF() {
		if p.cur().Kind == TokNewline {
			p.advance()
		}
		return nil
	}
	return &ParseError{Line: p.cur().Line, Msg: "expected end of line, got " + p.cur().Text}
}

// terminators names the reserved words that end the current lines block
// without being consumed.
func (p *Parser) atTerminator(terminators map[string]bool) bool {
	if len(terminators) == 0 {
		return false
	}
	t := p.cur()
	return t.Kind == TokIdent && terminators[t.Text]
}

// parseLines parses a sequence of LINE nodes until EOF or a reserved word
// in terminators is encountered (not consumed).
func (p *Parser) parseLines(terminators map[string]bool) ([]*Node, error) {
	var out []*Node
	for {
		p.skipBlankLines()
		if p.atEOF() || p.atTerminator(terminators) {
			return out, nil
		}
		ln, err := p.parseLine()
		if err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
}

func (p *Parser) parseLine() (*Node, error) {
	line := p.cur().Line
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if err := p.endOfLine(); err != nil {
		return nil, err
	}
	return &Node{Kind: KindLine, Line: line, Child: stmt}, nil
}

func (p *Parser) parseStatement() (*Node, error) {
	t := p.cur()

	if t.Kind == TokSymbol && t.Text == ":" {
		p.advance()
		lbl := p.cur()
		if lbl.Kind != TokIdent {
			return nil, &ParseError{Line: lbl.Line, Msg: "expected label after ':'"}
		}
		p.advance()
		return &Node{Kind: KindJumpPoint, Line: t.Line, Label: lbl.Text}, nil
	}

	if t.Kind == TokIdent {
		switch t.Text {
		case "goto":
			p.advance()
			lbl := p.cur()
			if lbl.Kind != TokIdent {
				return nil, &ParseError{Line: lbl.Line, Msg: "expected label after 'goto'"}
			}
			p.advance()
			return &Node{Kind: KindGoto, Line: t.Line, Label: lbl.Text}, nil

		case "continue", "break", "pass":
			p.advance()
			return &Node{Kind: KindOther, Line: t.Line, Text: t.Text}, nil

		case "begin":
			return p.parseScope()

		case "while":
			return p.parseWhile()

		case "if":
			return p.parseIfElse()
		}
	}

	return p.parseAssignmentOrExpr()
}

func (p *Parser) parseScope() (*Node, error) {
	line := p.cur().Line
	if err := p.expectIdent("begin"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}

	opts := ScopeOptions{}
	for !p.isSymbol(")") {
		name := p.cur()
		if name.Kind != TokIdent {
			return nil, &ParseError{Line: name.Line, Msg: "expected scope option name"}
		}
		p.advance()
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseConstant()
		if err != nil {
			return nil, err
		}
		switch name.Text {
		case "description":
			opts.Description = val.Str
		case "expected_time":
			opts.HasExpected = true
			opts.ExpectedTime = val.Dur
		case "max_time":
			opts.HasMaxTime = true
			opts.MaxTime = val.Dur
		default:
			return nil, &ParseError{Line: name.Line, Msg: "unknown scope option " + name.Text}
		}
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	p.skipBlankLines()

	children, err := p.parseLines(map[string]bool{"end": true})
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("end"); err != nil {
		return nil, err
	}

	return &Node{Kind: KindScope, Line: line, Children: children, Options: opts}, nil
}

func (p *Parser) parseWhile() (*Node, error) {
	line := p.cur().Line
	if err := p.expectIdent("while"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("do"); err != nil {
		return nil, err
	}
	p.skipBlankLines()
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindWhile, Line: line, Condition: cond, Body: body}, nil
}

func (p *Parser) parseIfElse() (*Node, error) {
	line := p.cur().Line
	if err := p.expectIdent("if"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("then"); err != nil {
		return nil, err
	}
	p.skipBlankLines()
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}

	branches := []Branch{{Condition: cond, Body: body}}

	for {
		p.skipBlankLines()
		if p.isIdent("elif") {
			p.advance()
			c, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectIdent("then"); err != nil {
				return nil, err
			}
			p.skipBlankLines()
			b, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			branches = append(branches, Branch{Condition: c, Body: b})
			continue
		}
		break
	}

	p.skipBlankLines()
	if p.isIdent("else") {
		p.advance()
		p.skipBlankLines()
		b, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		branches = append(branches, Branch{Condition: nil, Body: b})
	}

	return &Node{Kind: KindIfElse, Line: line, Branches: branches}, nil
}

// parseAssignmentOrExpr parses a value expression as a statement,
// promoting it to an ASSIGNMENT node if followed by '='.
func (p *Parser) parseAssignmentOrExpr() (*Node, error) {
	line := p.cur().Line
	target, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.isSymbol("=") {
		if target.Kind != KindVariable && target.Kind != KindArrayMapItem {
			return nil, &ParseError{Line: line, Msg: "assignment target must be a variable or subscript"}
		}
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindAssignment, Line: line, Target: target, Value: val}, nil
	}

	return target, nil
}

// parseExpr parses one value_expression.
func (p *Parser) parseExpr() (*Node, error) {
	t := p.cur()

	if t.Kind == TokIdent {
		lower := strings.ToLower(t.Text)
		switch lower {
		case "not":
			p.advance()
			sub, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindInfix, Line: t.Line, Op: "not", Left: sub, Right: &Node{Kind: KindConstant, Literal: Literal{Kind: LiteralNone}}}, nil
		case "exists":
			p.advance()
			sub, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindExists, Line: t.Line, Child: sub}, nil
		case "true", "false":
			p.advance()
			return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralBool, Bool: lower == "true"}}, nil
		case "none":
			p.advance()
			return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralNone}}, nil
		}
	}

	switch t.Kind {
	case TokInt:
		p.advance()
		n, err := strconv.ParseInt(t.Text, 10, 64)
		if err != nil {
			return nil, &ParseError{Line: t.Line, Msg: "invalid integer " + t.Text}
		}
		return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralInt, Int: n}}, nil

	case TokFloat:
		p.advance()
		f, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return nil, &ParseError{Line: t.Line, Msg: "invalid float " + t.Text}
		}
		return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralFloat, Flt: f}}, nil

	case TokTime:
		p.advance()
		dur, err := parseTimeLiteral(t.Text)
		if err != nil {
			return nil, &ParseError{Line: t.Line, Msg: err.Error()}
		}
		return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralTimeDur, Dur: dur}}, nil

	case TokString:
		p.advance()
		return &Node{Kind: KindConstant, Line: t.Line, Literal: Literal{Kind: LiteralString, Str: t.Text}}, nil
	}

	if p.isSymbol("(") {
		return p.parseInfix()
	}

	if p.isSymbol("[") {
		return p.parseArray()
	}

	if t.Kind == TokIdent {
		return p.parseNameExpr()
	}

	return nil, &ParseError{Line: t.Line, Msg: "unexpected token " + t.Text}
}

func (p *Parser) parseInfix() (*Node, error) {
	line := p.cur().Line
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	left, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	opTok := p.cur()
	op := opTok.Text
	if opTok.Kind == TokIdent {
		op = strings.ToLower(opTok.Text)
	}
	if !infixOps[op] {
		return nil, &ParseError{Line: opTok.Line, Msg: "expected infix operator, got " + opTok.Text}
	}
	p.advance()

	right, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &Node{Kind: KindInfix, Line: line, Op: op, Left: left, Right: right}, nil
}

func (p *Parser) parseArray() (*Node, error) {
	line := p.cur().Line
	if err := p.expectSymbol("["); err != nil {
		return nil, err
	}
	var elems []*Node
	for !p.isSymbol("]") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol("]"); err != nil {
		return nil, err
	}
	return &Node{Kind: KindArray, Line: line, Elements: elems}, nil
}

// parseNameExpr parses `name`, `module.name`, `name(...)`, `module.name(...)`,
// `name[expr]`, `module.name[expr]`, and the literal form `map(k=v,...)`.
func (p *Parser) parseNameExpr() (*Node, error) {
	line := p.cur().Line
	first := p.advance().Text

	module := ""
	name := first
	if p.isSymbol(".") {
		p.advance()
		second := p.cur()
		if second.Kind != TokIdent {
			return nil, &ParseError{Line: second.Line, Msg: "expected identifier after '.'"}
		}
		p.advance()
		module = first
		name = second.Text
	}

	if p.isSymbol("(") {
		params, err := p.parseParamMap()
		if err != nil {
			return nil, err
		}
		if module == "" && name == "map" {
			entries := make([]MapEntry, 0, len(params))
			for _, pr := range params {
				entries = append(entries, MapEntry{Key: pr.Name, Value: pr.Value})
			}
			return &Node{Kind: KindMap, Line: line, Entries: entries}, nil
		}
		return &Node{Kind: KindFunction, Line: line, Module: module, Name: name, Params: params}, nil
	}

	if p.isSymbol("[") {
		p.advance()
		idx, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("]"); err != nil {
			return nil, err
		}
		return &Node{Kind: KindArrayMapItem, Line: line, Module: module, Name: name, Index: idx}, nil
	}

	return &Node{Kind: KindVariable, Line: line, Module: module, Name: name}, nil
}

// parseParamMap parses "(" (name=value_expression,)* ")" with named
// parameters only, per spec §4.1.
func (p *Parser) parseParamMap() ([]Param, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var params []Param
	for !p.isSymbol(")") {
		nameTok := p.cur()
		if nameTok.Kind != TokIdent {
			return nil, &ParseError{Line: nameTok.Line, Msg: "expected parameter name"}
		}
		p.advance()
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Name: nameTok.Text, Value: val})
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return params, nil
}

// parseConstant parses a constant_expression: boolean, none, time, float,
// int, or string only — used for scope options, which must be
// compile-time constants.
func (p *Parser) parseConstant() (Literal, error) {
	n, err := p.parseExpr()
	if err != nil {
		return Literal{}, err
	}
	if n.Kind != KindConstant {
		return Literal{}, &ParseError{Line: n.Line, Msg: "expected constant parameter value"}
	}
	return n.Literal, nil
}

// parseTimeLiteral parses `d:h:m:s`, `h:m:s`, or `m:s` integer components
// into a time.Duration, per spec §4.1.
func parseTimeLiteral(text string) (time.Duration, error) {
	parts := strings.Split(text, ":")
	nums := make([]int64, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time literal %q", text)
		}
		nums[i] = n
	}

	var d, h, m, s int64
	switch len(nums) {
	case 4:
		d, h, m, s = nums[0], nums[1], nums[2], nums[3]
	case 3:
		h, m, s = nums[0], nums[1], nums[2]
	case 2:
		m, s = nums[0], nums[1]
	default:
		return 0, fmt.Errorf("invalid time literal %q", text)
	}

	total := time.Duration(d)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second
	return total, nil
}
