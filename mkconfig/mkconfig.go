// Package mkconfig reads the Makefile-style variable files (config.mk) that describe designs and
// platforms of the flow.
//
// Only the subset used by flow configuration files is understood: plain, simple, conditional and
// appending assignments (=, :=, ?=, +=), the export keyword, line continuations, comments,
// ifdef/ifndef/ifeq/ifneq blocks and the wildcard, sort, strip, notdir and dir functions.
// Variable references that cannot be resolved are kept verbatim so that the tools reading the
// environment later can still expand them.
package mkconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"
)

// Lookup resolves variables defined outside of the parsed file.
type Lookup func(key string) (string, bool)

// NoLookup resolves nothing.
func NoLookup(string) (string, bool) { return "", false }

// ParseError reports a malformed line.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

type parser struct {
	name  string
	known Lookup
	vars  util.OrderedMap[string, string]
	conds []bool
	taken []bool
}

// ParseFile parses the config file at filePath.
func ParseFile(filePath string, known Lookup) (util.OrderedMap[string, string], error) {
	f, err := os.Open(filePath)
	if err != nil {
		return util.OrderedMap[string, string]{}, err
	}
	defer f.Close()
	return Parse(f, filePath, known)
}

// Parse parses config file content read from r. Name is only used in error messages.
//
// Conditional assignments (?=) consider both the variables assigned earlier in the file and the
// ones resolved by known.
func Parse(r io.Reader, name string, known Lookup) (util.OrderedMap[string, string], error) {
	if known == nil {
		known = NoLookup
	}
	p := &parser{name: name, known: known, vars: util.NewOrderedMap[string, string]()}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	logical := ""
	startLine := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if logical == "" {
			startLine = lineNo
		}
		if strings.HasSuffix(raw, "\\") {
			logical += strings.TrimSuffix(raw, "\\") + " "
			continue
		}
		logical += raw
		if err := p.line(logical, startLine); err != nil {
			return util.OrderedMap[string, string]{}, err
		}
		logical = ""
	}
	if err := scanner.Err(); err != nil {
		return util.OrderedMap[string, string]{}, err
	}
	if logical != "" {
		if err := p.line(logical, startLine); err != nil {
			return util.OrderedMap[string, string]{}, err
		}
	}
	if len(p.conds) != 0 {
		return util.OrderedMap[string, string]{}, &ParseError{name, lineNo, "missing endif"}
	}
	return p.vars, nil
}

func (p *parser) active() bool {
	for _, c := range p.conds {
		if !c {
			return false
		}
	}
	return true
}

func (p *parser) lookup(key string) (string, bool) {
	if v, ok := p.vars.Lookup(key); ok {
		return v, true
	}
	return p.known(key)
}

func (p *parser) line(text string, lineNo int) error {
	text = stripComment(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	directive, rest := splitDirective(text)
	switch directive {
	case "ifdef", "ifndef":
		_, defined := p.lookup(strings.TrimSpace(p.expand(rest)))
		cond := defined == (directive == "ifdef")
		p.conds = append(p.conds, cond)
		p.taken = append(p.taken, cond)
		return nil
	case "ifeq", "ifneq":
		a, b, ok := splitComparison(rest)
		if !ok {
			return &ParseError{p.name, lineNo, fmt.Sprintf("malformed %s", directive)}
		}
		cond := (p.expand(a) == p.expand(b)) == (directive == "ifeq")
		p.conds = append(p.conds, cond)
		p.taken = append(p.taken, cond)
		return nil
	case "else":
		if len(p.conds) == 0 {
			return &ParseError{p.name, lineNo, "else without if"}
		}
		top := len(p.conds) - 1
		if strings.TrimSpace(rest) != "" {
			// 'else ifeq (...)' chains.
			if p.taken[top] {
				p.conds[top] = false
				return nil
			}
			p.conds = p.conds[:top]
			p.taken = p.taken[:top]
			if err := p.line(rest, lineNo); err != nil {
				return err
			}
			return nil
		}
		p.conds[top] = !p.taken[top]
		p.taken[top] = true
		return nil
	case "endif":
		if len(p.conds) == 0 {
			return &ParseError{p.name, lineNo, "endif without if"}
		}
		p.conds = p.conds[:len(p.conds)-1]
		p.taken = p.taken[:len(p.taken)-1]
		return nil
	}

	if !p.active() {
		return nil
	}

	switch directive {
	case "include", "-include", "sinclude", "unexport", "override", "define", "endef", "$(info", "$(warning":
		log.Debug("%s:%d: ignoring '%s' directive.\n", p.name, lineNo, directive)
		return nil
	case "export":
		text = rest
		if !strings.ContainsAny(text, "=") {
			return nil
		}
	}

	key, op, value, ok := splitAssignment(text)
	if !ok {
		log.Debug("%s:%d: ignoring line '%s'.\n", p.name, lineNo, text)
		return nil
	}
	if key == "" || strings.ContainsAny(key, " \t") {
		return &ParseError{p.name, lineNo, fmt.Sprintf("invalid variable name '%s'", key)}
	}

	switch op {
	case "=", ":=", "::=":
		p.vars.Set(key, p.expand(value))
	case "?=":
		if _, defined := p.lookup(key); !defined {
			p.vars.Set(key, p.expand(value))
		}
	case "+=":
		prev, _ := p.lookup(key)
		expanded := p.expand(value)
		if prev == "" {
			p.vars.Set(key, expanded)
		} else if expanded != "" {
			p.vars.Set(key, prev+" "+expanded)
		}
	}
	return nil
}

func stripComment(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '#' && (i == 0 || text[i-1] != '\\') {
			return text[:i]
		}
	}
	return text
}

func splitDirective(text string) (string, string) {
	fields := strings.SplitN(text, " ", 2)
	word := fields[0]
	switch word {
	case "ifdef", "ifndef", "ifeq", "ifneq", "else", "endif", "include", "-include", "sinclude",
		"unexport", "override", "define", "endef", "export", "$(info", "$(warning":
		if len(fields) == 2 {
			return word, strings.TrimSpace(fields[1])
		}
		return word, ""
	}
	if strings.HasPrefix(word, "ifeq(") || strings.HasPrefix(word, "ifneq(") {
		idx := strings.Index(text, "(")
		return text[:idx], text[idx:]
	}
	return "", text
}

// splitComparison splits the arguments of ifeq/ifneq in the '(a,b)' form.
func splitComparison(args string) (string, string, bool) {
	args = strings.TrimSpace(args)
	if !strings.HasPrefix(args, "(") || !strings.HasSuffix(args, ")") {
		return "", "", false
	}
	inner := args[1 : len(args)-1]
	depth := 0
	for i, c := range inner {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(inner[:i]), strings.TrimSpace(inner[i+1:]), true
			}
		}
	}
	return "", "", false
}

func splitAssignment(text string) (string, string, string, bool) {
	idx := strings.Index(text, "=")
	if idx < 0 {
		return "", "", "", false
	}
	op := "="
	keyEnd := idx
	switch {
	case strings.HasSuffix(text[:idx], "::"):
		op = "::="
		keyEnd = idx - 2
	case strings.HasSuffix(text[:idx], ":"):
		op = ":="
		keyEnd = idx - 1
	case strings.HasSuffix(text[:idx], "?"):
		op = "?="
		keyEnd = idx - 1
	case strings.HasSuffix(text[:idx], "+"):
		op = "+="
		keyEnd = idx - 1
	}
	key := strings.TrimSpace(text[:keyEnd])
	value := strings.TrimSpace(text[idx+1:])
	return key, op, value, true
}

// expand resolves $(VAR), ${VAR} and the supported functions in s.
func (p *parser) expand(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			out.WriteByte(c)
			continue
		}
		next := s[i+1]
		if next == '$' {
			out.WriteByte('$')
			i++
			continue
		}
		if next != '(' && next != '{' {
			out.WriteByte(c)
			continue
		}
		closing := byte(')')
		if next == '{' {
			closing = '}'
		}
		end := matchClosing(s, i+1, next, closing)
		if end < 0 {
			out.WriteString(s[i:])
			break
		}
		ref := s[i+2 : end]
		out.WriteString(p.reference(ref, s[i:end+1]))
		i = end
	}
	return out.String()
}

func matchClosing(s string, open int, openCh, closeCh byte) int {
	depth := 0
	for j := open; j < len(s); j++ {
		switch s[j] {
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func (p *parser) reference(ref, verbatim string) string {
	if fn, args, ok := strings.Cut(ref, " "); ok {
		expanded := p.expand(strings.TrimSpace(args))
		switch fn {
		case "wildcard":
			matches := []string{}
			for _, pattern := range strings.Fields(expanded) {
				found, err := filepath.Glob(pattern)
				if err == nil {
					matches = append(matches, found...)
				}
			}
			sort.Strings(matches)
			return strings.Join(matches, " ")
		case "sort":
			return strings.Join(sortUnique(strings.Fields(expanded)), " ")
		case "strip":
			return strings.Join(strings.Fields(expanded), " ")
		case "notdir":
			words := strings.Fields(expanded)
			for i, w := range words {
				words[i] = filepath.Base(w)
			}
			return strings.Join(words, " ")
		case "dir":
			words := strings.Fields(expanded)
			for i, w := range words {
				words[i] = filepath.Dir(w) + "/"
			}
			return strings.Join(words, " ")
		case "shell":
			log.Warning("%s: $(shell ...) is not evaluated, keeping '%s'.\n", p.name, verbatim)
			return verbatim
		}
		return verbatim
	}
	if v, ok := p.lookup(ref); ok {
		return v
	}
	return verbatim
}

func sortUnique(words []string) []string {
	sorted := util.OrderedSlice(words)
	out := sorted[:0]
	for i, w := range sorted {
		if i == 0 || w != sorted[i-1] {
			out = append(out, w)
		}
	}
	return out
}
