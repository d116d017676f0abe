// Package rubylang is a line-oriented Ruby frontend: a scanner-based
// indexer plus a name resolver and a call checker. It trades full parsing
// for predictable per-file behavior, which is what the incremental engine
// needs from its isolated state hashes.
package rubylang

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"github.com/rubytyper/rtlsp/src/rtlsp/internal/pipeline"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
)

var (
	_classRe    = regexp.MustCompile(`^(\s*)class\s+([A-Z]\w*(?:::[A-Z]\w*)*)`)
	_moduleRe   = regexp.MustCompile(`^(\s*)module\s+([A-Z]\w*(?:::[A-Z]\w*)*)`)
	_methodRe   = regexp.MustCompile(`^(\s*)def\s+(self\.)?([a-z_]\w*[!?=]?)(?:\s*\(([^)]*)\))?`)
	_constDefRe = regexp.MustCompile(`^(\s*)([A-Z][A-Z0-9_]*)\s*=`)
	_endRe      = regexp.MustCompile(`^\s*end\b`)
	_commentRe  = regexp.MustCompile(`^\s*#\s?(.*)$`)
	_callRe     = regexp.MustCompile(`(?:([A-Za-z_]\w*)\.)?([a-z_]\w*[!?]?)\(`)
	_constRefRe = regexp.MustCompile(`[A-Z]\w*(?:::[A-Z]\w*)*`)
	_stringRe   = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Methods assumed to exist on every object; calls to them are never
// reported as unresolved.
var _builtins = map[string]struct{}{
	"attr_accessor": {}, "attr_reader": {}, "attr_writer": {},
	"each": {}, "extend": {}, "format": {}, "freeze": {}, "include": {},
	"lambda": {}, "loop": {}, "map": {}, "new": {}, "p": {}, "print": {},
	"private": {}, "proc": {}, "protected": {}, "public": {}, "puts": {},
	"raise": {}, "require": {}, "require_relative": {}, "send": {},
	"to_s": {}, "to_sym": {},
}

type driver struct{}

// New returns the Ruby frontend.
func New() pipeline.Driver {
	return driver{}
}

type scopeFrame struct {
	name    string // qualified, empty for method frames
	isScope bool   // false for frames pushed only to balance "end"
	defIdx  int    // index into defs whose Loc.End is patched at pop, -1 if none
	endLine int
}

// Parse builds the per-file index.
func (driver) Parse(path, source string) pipeline.FileIndex {
	var idx pipeline.FileIndex
	lines := strings.Split(source, "\n")

	var stack []scopeFrame
	var docBuf []string

	scopeName := func() string {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].isScope {
				return stack[i].name
			}
		}
		return ""
	}

	pop := func(line int, col int) {
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.defIdx >= 0 {
			idx.Defs[top.defIdx].Loc.End = state.Position{Line: line, Col: col}
		}
	}

	for i, line := range lines {
		lineNo := i + 1

		if m := _commentRe.FindStringSubmatch(line); m != nil {
			docBuf = append(docBuf, m[1])
			continue
		}
		if strings.TrimSpace(line) == "" {
			docBuf = nil
			continue
		}

		doc := strings.Join(docBuf, "\n")
		docBuf = nil

		if m := _classRe.FindStringSubmatchIndex(line); m != nil {
			name := line[m[4]:m[5]]
			fqn := qualify(scopeName(), name)
			idx.Defs = append(idx.Defs, state.Definition{
				Kind:    state.KindClass,
				Name:    name,
				FQN:     fqn,
				Loc:     state.Range{Start: state.Position{Line: lineNo, Col: 1}, End: state.Position{Line: lineNo, Col: len(line) + 1}},
				NameLoc: state.Range{Start: state.Position{Line: lineNo, Col: m[4] + 1}, End: state.Position{Line: lineNo, Col: m[5] + 1}},
				Doc:     doc,
			})
			stack = append(stack, scopeFrame{name: fqn, isScope: true, defIdx: len(idx.Defs) - 1})
			// A superclass mention is a constant reference.
			if lt := strings.Index(line, "<"); lt >= 0 {
				idx.Refs = append(idx.Refs, constRefs(line[lt:], lineNo, lt, scopeParent(fqn))...)
			}
			continue
		}

		if m := _moduleRe.FindStringSubmatchIndex(line); m != nil {
			name := line[m[4]:m[5]]
			fqn := qualify(scopeName(), name)
			idx.Defs = append(idx.Defs, state.Definition{
				Kind:    state.KindModule,
				Name:    name,
				FQN:     fqn,
				Loc:     state.Range{Start: state.Position{Line: lineNo, Col: 1}, End: state.Position{Line: lineNo, Col: len(line) + 1}},
				NameLoc: state.Range{Start: state.Position{Line: lineNo, Col: m[4] + 1}, End: state.Position{Line: lineNo, Col: m[5] + 1}},
				Doc:     doc,
			})
			stack = append(stack, scopeFrame{name: fqn, isScope: true, defIdx: len(idx.Defs) - 1})
			continue
		}

		if m := _methodRe.FindStringSubmatchIndex(line); m != nil {
			name := line[m[6]:m[7]]
			sep := "#"
			if m[4] >= 0 {
				sep = "."
			}
			owner := scopeName()
			fqn := owner + sep + name
			if owner == "" {
				fqn = name
			}
			var params []state.Param
			if m[8] >= 0 {
				for _, raw := range splitParams(line[m[8]:m[9]]) {
					params = append(params, state.Param{Name: raw})
				}
			}
			idx.Defs = append(idx.Defs, state.Definition{
				Kind:    state.KindMethod,
				Name:    name,
				FQN:     fqn,
				Loc:     state.Range{Start: state.Position{Line: lineNo, Col: 1}, End: state.Position{Line: lineNo, Col: len(line) + 1}},
				NameLoc: state.Range{Start: state.Position{Line: lineNo, Col: m[6] + 1}, End: state.Position{Line: lineNo, Col: m[7] + 1}},
				Params:  params,
				Doc:     doc,
			})
			stack = append(stack, scopeFrame{defIdx: len(idx.Defs) - 1})
			continue
		}

		if m := _constDefRe.FindStringSubmatchIndex(line); m != nil {
			name := line[m[4]:m[5]]
			fqn := qualify(scopeName(), name)
			idx.Defs = append(idx.Defs, state.Definition{
				Kind:    state.KindConstant,
				Name:    name,
				FQN:     fqn,
				Loc:     state.Range{Start: state.Position{Line: lineNo, Col: 1}, End: state.Position{Line: lineNo, Col: len(line) + 1}},
				NameLoc: state.Range{Start: state.Position{Line: lineNo, Col: m[4] + 1}, End: state.Position{Line: lineNo, Col: m[5] + 1}},
				Doc:     doc,
			})
			// The right-hand side may reference other constants and calls.
			eq := strings.Index(line, "=")
			idx.Refs = append(idx.Refs, bodyRefs(line[eq+1:], lineNo, eq+1, scopeName())...)
			continue
		}

		if _endRe.MatchString(line) {
			pop(lineNo, len(line)+1)
			continue
		}

		idx.Refs = append(idx.Refs, bodyRefs(line, lineNo, 0, scopeName())...)
	}

	// Unclosed scopes end at EOF.
	for len(stack) > 0 {
		last := len(lines)
		pop(last, len(lines[last-1])+1)
	}

	return idx
}

// bodyRefs extracts call and constant references from a body line. off is
// the byte offset of text within the original line.
func bodyRefs(text string, lineNo, off int, scope string) []state.Reference {
	// Mask string contents but keep the quotes, preserving both byte
	// columns and the presence of an argument.
	clean := _stringRe.ReplaceAllStringFunc(text, func(s string) string {
		return `"` + strings.Repeat(" ", len(s)-2) + `"`
	})
	if i := strings.Index(clean, "#"); i >= 0 {
		clean = clean[:i]
	}

	var refs []state.Reference
	for _, m := range _callRe.FindAllStringSubmatchIndex(clean, -1) {
		name := clean[m[4]:m[5]]
		if isKeyword(name) {
			continue
		}
		var recv string
		if m[2] >= 0 {
			recv = clean[m[2]:m[3]]
		}
		refs = append(refs, state.Reference{
			Kind:  state.RefCall,
			Name:  name,
			Recv:  recv,
			Args:  countArgs(clean[m[1]:]),
			Scope: scope,
			Loc: state.Range{
				Start: state.Position{Line: lineNo, Col: off + m[4] + 1},
				End:   state.Position{Line: lineNo, Col: off + m[5] + 1},
			},
		})
	}
	for _, m := range _constRefRe.FindAllStringIndex(clean, -1) {
		refs = append(refs, state.Reference{
			Kind:  state.RefConstant,
			Name:  clean[m[0]:m[1]],
			Scope: scope,
			Loc: state.Range{
				Start: state.Position{Line: lineNo, Col: off + m[0] + 1},
				End:   state.Position{Line: lineNo, Col: off + m[1] + 1},
			},
		})
	}
	return refs
}

func constRefs(text string, lineNo, off int, scope string) []state.Reference {
	var refs []state.Reference
	for _, m := range _constRefRe.FindAllStringIndex(text, -1) {
		refs = append(refs, state.Reference{
			Kind:  state.RefConstant,
			Name:  text[m[0]:m[1]],
			Scope: scope,
			Loc: state.Range{
				Start: state.Position{Line: lineNo, Col: off + m[0] + 1},
				End:   state.Position{Line: lineNo, Col: off + m[1] + 1},
			},
		})
	}
	return refs
}

func isKeyword(name string) bool {
	switch name {
	case "if", "unless", "while", "until", "case", "return", "yield", "def", "end", "do", "then", "else", "elsif", "begin", "rescue", "ensure", "not", "and", "or":
		return true
	}
	return false
}

// countArgs counts the top-level arguments in rest, the text just after a
// call's opening paren, up to the matching close paren. Returns -1 when the
// argument list does not close on the same line.
func countArgs(rest string) int {
	depth := 1
	args := 0
	seen := false
	for _, r := range rest {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if !seen {
					return 0
				}
				return args + 1
			}
		case ',':
			if depth == 1 {
				args++
			}
		default:
			if !isSpace(r) {
				seen = true
			}
		}
	}
	return -1
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

func splitParams(raw string) []string {
	var out []string
	depth := 0
	start := 0
	flush := func(end int) {
		p := strings.TrimSpace(raw[start:end])
		if p != "" {
			out = append(out, p)
		}
	}
	for i, r := range raw {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(raw))
	return out
}

func qualify(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "::" + name
}

func scopeParent(fqn string) string {
	if i := strings.LastIndex(fqn, "::"); i >= 0 {
		return fqn[:i]
	}
	return ""
}

// Commit interns idx's definitions and installs the index on the file.
func (driver) Commit(gs *state.GlobalState, ref state.FileRef, idx pipeline.FileIndex) {
	defs := append([]state.Definition(nil), idx.Defs...)
	for i := range defs {
		defs[i].Symbol = gs.InternSymbol(defs[i].FQN, defs[i].Kind)
	}
	f := gs.File(ref)
	f.Defs = defs
	f.Refs = append([]state.Reference(nil), idx.Refs...)
}

// Hash digests the file's exported symbol surface: qualified names, kinds,
// and method arities, independent of locations and bodies.
func (d driver) Hash(path, source string) uint32 {
	idx := d.Parse(path, source)
	surface := make([]string, 0, len(idx.Defs))
	for _, def := range idx.Defs {
		min, max := arity(def.Params)
		surface = append(surface, fmt.Sprintf("%d\x00%s\x00%d\x00%d", def.Kind, def.FQN, min, max))
	}
	sort.Strings(surface)
	h := fnv.New32a()
	for _, s := range surface {
		h.Write([]byte(s))
		h.Write([]byte{0xff})
	}
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}

// Resolve binds constant references against the symbol table, trying the
// reference's enclosing scopes from innermost to top level.
func (driver) Resolve(gs *state.GlobalState, files []state.FileRef) {
	for _, ref := range files {
		f := gs.File(ref)
		for i := range f.Refs {
			r := &f.Refs[i]
			if r.Kind != state.RefConstant {
				continue
			}
			if id, ok := resolveConstant(gs, r.Scope, r.Name); ok {
				r.Resolved = id
				continue
			}
			gs.Errors().Push(state.Diagnostic{
				Path:     f.Path,
				Loc:      r.Loc,
				Severity: state.SeverityError,
				Code:     "unresolved-constant",
				Message:  fmt.Sprintf("Unable to resolve constant %q", r.Name),
			})
		}
	}
}

func resolveConstant(gs *state.GlobalState, scope, name string) (state.SymbolID, bool) {
	for s := scope; ; s = scopeParent(s) {
		if id, ok := gs.LookupSymbol(qualify(s, name)); ok {
			return id, true
		}
		if s == "" {
			return state.NoSymbol, false
		}
	}
}

// Infer checks call references against known method definitions.
func (driver) Infer(gs *state.GlobalState, files []state.FileRef) {
	methods := methodTable(gs)
	for _, ref := range files {
		f := gs.File(ref)
		for i := range f.Refs {
			r := &f.Refs[i]
			if r.Kind != state.RefCall {
				continue
			}
			if _, ok := _builtins[r.Name]; ok {
				continue
			}
			candidates := methods[r.Name]
			if len(candidates) == 0 {
				gs.Errors().Push(state.Diagnostic{
					Path:     f.Path,
					Loc:      r.Loc,
					Severity: state.SeverityError,
					Code:     "unresolved-method",
					Message:  fmt.Sprintf("Method %q does not exist", r.Name),
				})
				continue
			}
			def := pickCandidate(candidates, r.Scope)
			r.Resolved = def.Symbol
			if r.Args < 0 {
				continue
			}
			min, max := arity(def.Params)
			if r.Args < min || (max >= 0 && r.Args > max) {
				gs.Errors().Push(state.Diagnostic{
					Path:     f.Path,
					Loc:      r.Loc,
					Severity: state.SeverityError,
					Code:     "arity-mismatch",
					Message:  fmt.Sprintf("Wrong number of arguments for %q: expected %s, got %d", r.Name, arityString(min, max), r.Args),
				})
			}
		}
	}
}

func methodTable(gs *state.GlobalState) map[string][]state.Definition {
	out := make(map[string][]state.Definition)
	for _, ref := range gs.Files() {
		for _, def := range gs.File(ref).Defs {
			if def.Kind == state.KindMethod {
				out[def.Name] = append(out[def.Name], def)
			}
		}
	}
	return out
}

func pickCandidate(candidates []state.Definition, scope string) state.Definition {
	for _, def := range candidates {
		if owner := defOwner(def.FQN); owner == scope {
			return def
		}
	}
	return candidates[0]
}

func defOwner(fqn string) string {
	if i := strings.LastIndexAny(fqn, "#."); i >= 0 {
		return fqn[:i]
	}
	return ""
}

// arity returns the required and maximum argument counts for a parameter
// list. max is -1 when a splat or block makes the list unbounded.
func arity(params []state.Param) (int, int) {
	min, max := 0, 0
	for _, p := range params {
		name := p.Name
		switch {
		case strings.HasPrefix(name, "*"), strings.HasPrefix(name, "&"):
			return min, -1
		case strings.Contains(name, "=") || strings.HasSuffix(strings.Fields(name)[0], ":"):
			max++
		default:
			min++
			max++
		}
	}
	return min, max
}

func arityString(min, max int) string {
	if max < 0 {
		return fmt.Sprintf("%d+", min)
	}
	if min == max {
		return fmt.Sprintf("%d", min)
	}
	return fmt.Sprintf("%d..%d", min, max)
}
