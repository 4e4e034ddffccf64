// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package parse splits literal SQL text into the chunks passed to the
// database verbatim and the named bind parameters between them.
package parse

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

func NewParser() *Parser {
	return &Parser{}
}

type Parser struct {
	input string
	pos   int
	// nextPos is start of the next char.
	nextPos int
	// char is the rune starting at pos. char is set to 0 when pos reaches the
	// end of input.
	char rune
	// prevPartEnd is the value of pos when we last finished parsing a
	// parameter.
	prevPartEnd int
	// currentPartStart is the value of pos just before we started parsing the
	// parameter under pos. We maintain currentPartStart >= prevPartEnd.
	currentPartStart int
	parts            []part
	// lineNum is the number of the current line of the input.
	lineNum int
	// lineStart is the position of the first char of the current line in the
	// input.
	lineStart int
}

// Parse finds the named parameters of input, written as a colon followed by
// a name. String literals, quoted identifiers, comments and double colon
// casts are passed over.
func (p *Parser) Parse(input string) (*ParsedText, error) {
	p.init(input)
	for p.pos < len(p.input) {
		if ok, err := p.skipStringLiteral(); err != nil {
			return nil, errors.Wrap(err, "cannot parse statement")
		} else if ok {
			continue
		}
		if p.skipComment() || p.skipString("::") {
			continue
		}

		p.currentPartStart = p.pos
		if name, ok := p.parseParam(); ok {
			p.add(&paramPart{name: name})
			continue
		}
		p.advanceChar()
	}

	// Add any remaining unparsed input.
	p.currentPartStart = p.pos
	p.add(nil)
	return &ParsedText{parts: p.parts}, nil
}

// init resets the state of the parser and sets the input string.
func (p *Parser) init(input string) {
	p.input = input
	p.pos = 0
	p.nextPos = 0
	p.char = 0
	p.prevPartEnd = 0
	p.currentPartStart = 0
	p.parts = []part{}
	p.lineNum = 1
	p.lineStart = 0
	p.advanceChar()
}

// colNum calculates the current column number taking into account line breaks.
func (p *Parser) colNum() int {
	return p.pos - p.lineStart + 1
}

// advanceChar moves the parser to the next character in the input. It also
// takes care of updating the line and column numbers if it encounters line
// breaks.
func (p *Parser) advanceChar() bool {
	if p.nextPos >= len(p.input) {
		p.char = 0
		p.pos = p.nextPos
		return false
	}
	if p.char == '\n' {
		p.lineStart = p.nextPos
		p.lineNum++
	}
	var size int
	p.char, size = utf8.DecodeRuneInString(p.input[p.nextPos:])
	p.pos = p.nextPos
	p.nextPos += size
	return true
}

// errorAt returns an error carrying line and column information.
func errorAt(msg string, line int, column int, input string) error {
	if strings.ContainsRune(input, '\n') {
		return errors.Errorf("line %d, column %d: %s", line, column, msg)
	}
	return errors.Errorf("column %d: %s", column, msg)
}

// checkpoint holds the state of the parser so that a failed attempt at
// parsing can be undone.
type checkpoint struct {
	parser    *Parser
	pos       int
	nextPos   int
	char      rune
	lineNum   int
	lineStart int
}

func (p *Parser) save() *checkpoint {
	return &checkpoint{
		parser:    p,
		pos:       p.pos,
		nextPos:   p.nextPos,
		char:      p.char,
		lineNum:   p.lineNum,
		lineStart: p.lineStart,
	}
}

func (cp *checkpoint) restore() {
	cp.parser.pos = cp.pos
	cp.parser.nextPos = cp.nextPos
	cp.parser.char = cp.char
	cp.parser.lineNum = cp.lineNum
	cp.parser.lineStart = cp.lineStart
}

// add pushes the parsed part to the list of parts along with the bypass
// chunk that stretches from the end of the previous part to the beginning of
// this one.
func (p *Parser) add(pt part) {
	if p.prevPartEnd != p.currentPartStart {
		p.parts = append(p.parts, &bypassPart{chunk: p.input[p.prevPartEnd:p.currentPartStart]})
	}
	if pt != nil {
		p.parts = append(p.parts, pt)
	}
	p.prevPartEnd = p.pos
	p.currentPartStart = p.pos
}

// parseParam parses a colon followed by a name. A colon directly after a
// name does not start a parameter. If no parameter is found the parser state
// is left unchanged.
func (p *Parser) parseParam() (string, bool) {
	if prev, _ := utf8.DecodeLastRuneInString(p.input[:p.pos]); p.pos > 0 && isNameChar(prev) {
		return "", false
	}
	cp := p.save()
	if !p.skipChar(':') {
		return "", false
	}
	mark := p.pos
	if !p.skipName() {
		cp.restore()
		return "", false
	}
	return p.input[mark:p.pos], true
}

// skipComment jumps over -- and /* */ comments. If no comment is found the
// parser state is left unchanged.
func (p *Parser) skipComment() bool {
	cp := p.save()
	c := p.char
	if p.skipChar('-') || p.skipChar('/') {
		if (c == '-' && p.skipChar('-')) || (c == '/' && p.skipChar('*')) {
			var end rune
			if c == '-' {
				end = '\n'
			} else {
				end = '*'
			}
			for p.pos < len(p.input) {
				if p.char == end {
					// The newline ending a -- comment is not consumed.
					if end == '*' {
						p.advanceChar()
						if !p.skipChar('/') {
							continue
						}
					}
					return true
				}
				p.advanceChar()
			}
			// Reached end of input (valid comment end).
			return true
		}
		cp.restore()
		return false
	}
	return false
}

// skipStringLiteral jumps over single and double quoted sections of input.
// Doubled up quotes are escaped.
func (p *Parser) skipStringLiteral() (bool, error) {
	cp := p.save()

	c := p.char
	if p.skipChar('"') || p.skipChar('\'') {
		// Whether the next quote might be a closing quote rather than the
		// escape of a following one.
		maybeCloser := true
		for p.skipCharFind(c) {
			if maybeCloser && !p.peekChar(c) {
				return true, nil
			}
			maybeCloser = !maybeCloser
		}

		line, col := cp.lineNum, cp.pos-cp.lineStart+1
		cp.restore()
		return false, errorAt("missing closing quote in string literal", line, col, p.input)
	}
	return false, nil
}

// peekChar returns true if the current char equals the one passed as parameter.
func (p *Parser) peekChar(c rune) bool {
	return p.pos < len(p.input) && p.char == c
}

// skipChar jumps over the current char if it matches the char passed as a
// parameter. Returns true in that case, false otherwise.
func (p *Parser) skipChar(c rune) bool {
	if p.pos < len(p.input) && p.char == c {
		p.advanceChar()
		return true
	}
	return false
}

// skipCharFind looks for a char that matches the one passed as parameter and
// then advances the parser to jump over it. In that case returns true. If the
// end of the string is reached and no matching char was found, it returns
// false and it does not change the parser.
func (p *Parser) skipCharFind(c rune) bool {
	cp := p.save()
	for p.pos < len(p.input) {
		if p.char == c {
			p.advanceChar()
			return true
		}
		p.advanceChar()
	}
	cp.restore()
	return false
}

// skipString jumps over s if the input continues with it.
func (p *Parser) skipString(s string) bool {
	if p.pos+len(s) <= len(p.input) && p.input[p.pos:p.pos+len(s)] == s {
		for range s {
			p.advanceChar()
		}
		return true
	}
	return false
}

func isNameChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

func isInitialNameChar(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

// skipName advances the parser until it is on the first non name char and
// returns true. If the p.pos does not start on a name char it returns false.
func (p *Parser) skipName() bool {
	if p.pos >= len(p.input) || !isInitialNameChar(p.char) {
		return false
	}
	p.advanceChar()
	for p.pos < len(p.input) && isNameChar(p.char) {
		p.advanceChar()
	}
	return true
}
