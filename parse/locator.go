// Package parse turns raw site responses into canonical flight records using
// the per-site extraction config. Site configs may address fields in three
// locator dialects: a CSS-like element path for HTML documents ("div.row
// .price@data-amount"), a dotted path for JSON documents ("$.fares.total"),
// and a regular expression with one capture group ("re:price=(\d+)").
package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/parvazhub/parvaz-crawler/errs"
)

type locatorKind int

const (
	cssKind locatorKind = iota
	jsonKind
	regexKind
)

type cssStep struct {
	tag   string
	class string
	id    string
}

// Locator is one compiled field or container selector.
type Locator struct {
	expr  string
	kind  locatorKind
	steps []cssStep
	attr  string
	path  []string
	re    *regexp.Regexp
}

// CompileLocator compiles a selector expression in any supported dialect.
func CompileLocator(expr string) (*Locator, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.New(errs.KindConfig, "", "empty locator")
	}
	switch {
	case strings.HasPrefix(expr, "$."):
		return &Locator{expr: expr, kind: jsonKind, path: strings.Split(expr[2:], ".")}, nil
	case strings.HasPrefix(expr, "re:"):
		re, err := regexp.Compile(expr[3:])
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "", fmt.Errorf("locator %q: %w", expr, err))
		}
		if re.NumSubexp() < 1 {
			return nil, errs.New(errs.KindConfig, "", fmt.Sprintf("locator %q needs a capture group", expr))
		}
		return &Locator{expr: expr, kind: regexKind, re: re}, nil
	}

	l := &Locator{expr: expr, kind: cssKind}
	parts := strings.Fields(expr)
	for i, part := range parts {
		if i == len(parts)-1 {
			if at := strings.IndexByte(part, '@'); at >= 0 {
				l.attr = part[at+1:]
				part = part[:at]
			}
		}
		step, err := parseStep(part)
		if err != nil {
			return nil, err
		}
		l.steps = append(l.steps, step)
	}
	if len(l.steps) == 0 {
		return nil, errs.New(errs.KindConfig, "", fmt.Sprintf("locator %q has no element steps", expr))
	}
	return l, nil
}

func parseStep(s string) (cssStep, error) {
	var step cssStep
	if s == "" {
		return step, errs.New(errs.KindConfig, "", "empty selector step")
	}
	rest := s
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			name, tail := cutName(rest)
			if name == "" {
				return step, errs.New(errs.KindConfig, "", fmt.Sprintf("bad selector step %q", s))
			}
			step.class, rest = name, tail
		case '#':
			rest = rest[1:]
			name, tail := cutName(rest)
			if name == "" {
				return step, errs.New(errs.KindConfig, "", fmt.Sprintf("bad selector step %q", s))
			}
			step.id, rest = name, tail
		default:
			name, tail := cutName(rest)
			if name == "" {
				return step, errs.New(errs.KindConfig, "", fmt.Sprintf("bad selector step %q", s))
			}
			step.tag, rest = strings.ToLower(name), tail
		}
	}
	return step, nil
}

func cutName(s string) (name, rest string) {
	for i, r := range s {
		if r == '.' || r == '#' {
			return s[:i], s[i:]
		}
	}
	return s, ""
}

// Document is a parsed response body, either a JSON value or an HTML tree.
type Document struct {
	raw  []byte
	json any
	root *html.Node
}

// NewDocument sniffs and parses a response body. Bodies starting with '{' or
// '[' are treated as JSON; everything else goes through the HTML parser,
// which never fails on real-world tag soup.
func NewDocument(body []byte) (*Document, error) {
	trimmed := bytes.TrimLeftFunc(body, unicode.IsSpace)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, errs.Wrap(errs.KindParse, "", fmt.Errorf("json document: %w", err))
		}
		return &Document{raw: body, json: v}, nil
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindParse, "", err)
	}
	return &Document{raw: body, root: root}, nil
}

// IsJSON reports whether the document parsed as JSON.
func (d *Document) IsJSON() bool { return d.json != nil }

// Item is one container row handed to field locators.
type Item struct {
	json any
	node *html.Node
	text string
}

// Items applies a container locator to the whole document.
func (l *Locator) Items(doc *Document) ([]Item, error) {
	if doc.IsJSON() {
		if l.kind != jsonKind {
			return nil, errs.New(errs.KindConfig, "", fmt.Sprintf("container %q: JSON documents need a $.path locator", l.expr))
		}
		v, ok := walkPath(doc.json, l.path)
		if !ok {
			return nil, nil
		}
		switch arr := v.(type) {
		case []any:
			items := make([]Item, len(arr))
			for i, el := range arr {
				items[i] = Item{json: el}
			}
			return items, nil
		default:
			return []Item{{json: v}}, nil
		}
	}
	switch l.kind {
	case cssKind:
		nodes := findAll(doc.root, l.steps)
		items := make([]Item, len(nodes))
		for i, n := range nodes {
			items[i] = Item{node: n}
		}
		return items, nil
	case regexKind:
		matches := l.re.FindAllSubmatch(doc.raw, -1)
		items := make([]Item, len(matches))
		for i, m := range matches {
			items[i] = Item{text: string(m[1])}
		}
		return items, nil
	default:
		return nil, errs.New(errs.KindConfig, "", fmt.Sprintf("container %q: dotted paths only select in JSON documents", l.expr))
	}
}

// Value applies a field locator to one item. The second return is false when
// the field is absent.
func (l *Locator) Value(it Item) (string, bool) {
	switch {
	case it.json != nil:
		if l.kind != jsonKind {
			return "", false
		}
		v, ok := walkPath(it.json, l.path)
		if !ok {
			return "", false
		}
		s := stringify(v)
		return s, s != ""
	case it.node != nil:
		switch l.kind {
		case cssKind:
			n := findFirst(it.node, l.steps)
			if n == nil {
				return "", false
			}
			if l.attr != "" {
				for _, a := range n.Attr {
					if a.Key == l.attr {
						return strings.TrimSpace(a.Val), a.Val != ""
					}
				}
				return "", false
			}
			s := textOf(n)
			return s, s != ""
		case regexKind:
			return l.match(textOf(it.node))
		}
	case it.text != "":
		if l.kind == regexKind {
			return l.match(it.text)
		}
	}
	return "", false
}

func (l *Locator) match(s string) (string, bool) {
	m := l.re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	return v, v != ""
}

func walkPath(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			return nil, false
		}
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func matchStep(n *html.Node, step cssStep) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if step.tag != "" && n.Data != step.tag {
		return false
	}
	if step.id != "" && attrOf(n, "id") != step.id {
		return false
	}
	if step.class != "" {
		found := false
		for _, c := range strings.Fields(attrOf(n, "class")) {
			if c == step.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// findAll returns every descendant matching the step chain, in document
// order. A matched node is not descended into again for the same step, so
// nested containers do not double-count.
func findAll(n *html.Node, steps []cssStep) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matchStep(c, steps[0]) {
			if len(steps) == 1 {
				out = append(out, c)
			} else {
				out = append(out, findAll(c, steps[1:])...)
			}
			continue
		}
		out = append(out, findAll(c, steps)...)
	}
	return out
}

func findFirst(n *html.Node, steps []cssStep) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matchStep(c, steps[0]) {
			if len(steps) == 1 {
				return c
			}
			if m := findFirst(c, steps[1:]); m != nil {
				return m
			}
			continue
		}
		if m := findFirst(c, steps); m != nil {
			return m
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
