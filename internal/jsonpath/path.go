package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segChild segmentKind = iota
	segIndex
	segWildcard
	segDescend
	segDescendWildcard
)

type segment struct {
	kind  segmentKind
	name  string
	index int
}

// Path is a compiled JSONPath expression.
type Path struct {
	expr     string
	segments []segment
	definite bool
}

// String returns the source expression.
func (p *Path) String() string { return p.expr }

// Definite reports whether the path selects at most one node.
func (p *Path) Definite() bool { return p.definite }

// Compile parses a JSONPath expression. The supported subset is the root "$",
// dot and bracket member access, integer indexes (negative counts from the
// end), "*" wildcards, and ".." recursive descent. A missing leading "$" is
// implied.
func Compile(expr string) (*Path, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, fmt.Errorf("jsonpath: empty expression")
	}
	p := &parser{src: src}
	if strings.HasPrefix(src, "$") {
		p.pos = 1
	} else if src[0] != '.' && src[0] != '[' {
		// "data.items[0]" reads as "$.data.items[0]".
		name, err := p.name()
		if err != nil {
			return nil, err
		}
		p.segs = append(p.segs, segment{kind: segChild, name: name})
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	path := &Path{expr: expr, segments: p.segs, definite: true}
	for _, s := range p.segs {
		if s.kind != segChild && s.kind != segIndex {
			path.definite = false
			break
		}
	}
	return path, nil
}

// MustCompile is like Compile but panics on a malformed expression.
func MustCompile(expr string) *Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval applies the path to root. A definite path yields the single node it
// addresses; an indefinite one yields an array of every match. No match
// reports false.
func (p *Path) Eval(root Value) (Value, bool) {
	nodes := []Value{root}
	for _, s := range p.segments {
		nodes = s.apply(nodes)
		if len(nodes) == 0 {
			return Value{}, false
		}
	}
	if p.definite {
		return nodes[0], true
	}
	return Array(nodes...), true
}

func (s segment) apply(nodes []Value) []Value {
	var out []Value
	for _, n := range nodes {
		switch s.kind {
		case segChild:
			if v, ok := n.Get(s.name); ok {
				out = append(out, v)
			}
		case segIndex:
			if v, ok := n.Index(s.index); ok {
				out = append(out, v)
			}
		case segWildcard:
			out = append(out, n.Children()...)
		case segDescend:
			out = descend(n, s.name, out)
		case segDescendWildcard:
			out = descendAll(n, out)
		}
	}
	return out
}

func descend(n Value, name string, out []Value) []Value {
	if v, ok := n.Get(name); ok {
		out = append(out, v)
	}
	for _, c := range n.Children() {
		out = descend(c, name, out)
	}
	return out
}

func descendAll(n Value, out []Value) []Value {
	for _, c := range n.Children() {
		out = append(out, c)
		out = descendAll(c, out)
	}
	return out
}

type parser struct {
	src  string
	pos  int
	segs []segment
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("jsonpath: %s at offset %d in %q", fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *parser) parse() error {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '.':
			p.pos++
			recursive := false
			if p.pos < len(p.src) && p.src[p.pos] == '.' {
				recursive = true
				p.pos++
			}
			if p.pos < len(p.src) && p.src[p.pos] == '*' {
				p.pos++
				if recursive {
					p.segs = append(p.segs, segment{kind: segDescendWildcard})
				} else {
					p.segs = append(p.segs, segment{kind: segWildcard})
				}
				continue
			}
			if recursive && p.pos < len(p.src) && p.src[p.pos] == '[' {
				seg, err := p.bracket()
				if err != nil {
					return err
				}
				switch seg.kind {
				case segChild:
					seg.kind = segDescend
				case segWildcard:
					seg.kind = segDescendWildcard
				default:
					return p.errorf("recursive descent supports names only")
				}
				p.segs = append(p.segs, seg)
				continue
			}
			name, err := p.name()
			if err != nil {
				return err
			}
			kind := segChild
			if recursive {
				kind = segDescend
			}
			p.segs = append(p.segs, segment{kind: kind, name: name})
		case '[':
			seg, err := p.bracket()
			if err != nil {
				return err
			}
			p.segs = append(p.segs, seg)
		default:
			return p.errorf("unexpected %q", p.src[p.pos])
		}
	}
	return nil
}

func (p *parser) name() (string, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' || c == '[' || c == ']' || c == '\'' || c == '"' || c == ' ' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("expected member name")
	}
	return p.src[start:p.pos], nil
}

// bracket parses ['name'], ["name"], [n], or [*] starting at '['.
func (p *parser) bracket() (segment, error) {
	p.pos++ // '['
	if p.pos >= len(p.src) {
		return segment{}, p.errorf("unterminated bracket")
	}
	var seg segment
	switch c := p.src[p.pos]; {
	case c == '*':
		p.pos++
		seg = segment{kind: segWildcard}
	case c == '\'' || c == '"':
		name, err := p.quoted(c)
		if err != nil {
			return segment{}, err
		}
		seg = segment{kind: segChild, name: name}
	default:
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] != ']' {
			p.pos++
		}
		raw := strings.TrimSpace(p.src[start:p.pos])
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return segment{}, p.errorf("invalid index %q", raw)
		}
		seg = segment{kind: segIndex, index: idx}
	}
	if p.pos >= len(p.src) || p.src[p.pos] != ']' {
		return segment{}, p.errorf("expected ']'")
	}
	p.pos++
	return seg, nil
}

func (p *parser) quoted(quote byte) (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}
