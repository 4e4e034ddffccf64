// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package parse

import (
	"fmt"
	"strings"
)

// A part is a section of parsed SQL text. The parts of a statement form the
// executable SQL when rendered in order.
type part interface {
	// String returns the part's representation for debugging purposes.
	String() string

	// toSQL returns the SQL representation of the part.
	toSQL() string
}

// paramPart is a named parameter whose value is sent to the database with
// the statement.
type paramPart struct {
	name string
}

func (p *paramPart) String() string {
	return "Param[" + p.name + "]"
}

func (p *paramPart) toSQL() string {
	return "?"
}

// bypassPart is a chunk of SQL passed to the database verbatim.
type bypassPart struct {
	chunk string
}

func (p *bypassPart) String() string {
	return "Bypass[" + p.chunk + "]"
}

func (p *bypassPart) toSQL() string {
	return p.chunk
}

// ParsedText is SQL text split into its parts.
type ParsedText struct {
	parts []part
}

// String returns a textual representation of the parts for debugging.
func (pt *ParsedText) String() string {
	var out []string
	for _, p := range pt.parts {
		out = append(out, p.String())
	}
	return fmt.Sprintf("%v", out)
}

// SQL returns the text with every parameter replaced by a question mark
// placeholder.
func (pt *ParsedText) SQL() string {
	var sb strings.Builder
	for _, p := range pt.parts {
		sb.WriteString(p.toSQL())
	}
	return sb.String()
}

// Params returns the names of the parameters in the order their
// placeholders appear. A name used more than once is repeated.
func (pt *ParsedText) Params() []string {
	var names []string
	for _, p := range pt.parts {
		if pp, ok := p.(*paramPart); ok {
			names = append(names, pp.name)
		}
	}
	return names
}
