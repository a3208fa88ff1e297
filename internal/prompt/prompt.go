// Package prompt renders transcription prompt templates over lesson metadata.
//
//	{{name}}              value of name, empty when absent
//	{{#name}}...{{/name}} body only when name is present
//	{{^name}}...{{/name}} body only when name is absent
package prompt

import (
	"fmt"
	"slices"
	"strings"

	"lessonflow/internal/models"
)

// previousTextRunes caps how much earlier transcript is carried into a prompt.
const previousTextRunes = 200

// Context is the data available to templates. Every field is optional.
type Context struct {
	CourseTitle  string
	LessonTitle  string
	Speaker      string
	Keywords     []string
	PreviousText string
}

// FromLesson builds a Context from lesson metadata.
func FromLesson(c models.LessonContext) Context {
	return Context{
		CourseTitle:  c.CourseTitle,
		LessonTitle:  c.LessonTitle,
		Speaker:      c.Speaker,
		Keywords:     c.Keywords,
		PreviousText: c.PreviousText,
	}
}

// Fields are the placeholder names a template may use.
var Fields = []string{"course_title", "lesson_title", "speaker", "keywords", "previous_text"}

// lookup returns the value of a placeholder and whether it is present.
func (c Context) lookup(name string) (string, bool) {
	var v string
	switch name {
	case "course_title":
		v = c.CourseTitle
	case "lesson_title":
		v = c.LessonTitle
	case "speaker":
		v = c.Speaker
	case "keywords":
		kws := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				kws = append(kws, k)
			}
		}
		v = strings.Join(kws, ", ")
	case "previous_text":
		r := []rune(strings.TrimSpace(c.PreviousText))
		if len(r) > previousTextRunes {
			r = r[len(r)-previousTextRunes:]
		}
		v = string(r)
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeSection  // rendered when the value is present
	nodeInverted // rendered when the value is absent
)

type node struct {
	kind     nodeKind
	text     string // literal text or placeholder name
	children []node
}

// Render renders tmpl against c. The result is trimmed.
func Render(tmpl string, c Context) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	render(&b, nodes, c)
	return strings.TrimSpace(b.String()), nil
}

// Validate checks tmpl parses and only uses known placeholders.
func Validate(tmpl string) error {
	_, err := parse(tmpl)
	return err
}

func render(b *strings.Builder, nodes []node, c Context) {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeVar:
			v, _ := c.lookup(n.text)
			b.WriteString(v)
		case nodeSection:
			if _, ok := c.lookup(n.text); ok {
				render(b, n.children, c)
			}
		case nodeInverted:
			if _, ok := c.lookup(n.text); !ok {
				render(b, n.children, c)
			}
		}
	}
}

func parse(tmpl string) ([]node, error) {
	type frame struct {
		n     node
		start int
	}
	stack := []*frame{{}}
	top := func() *frame { return stack[len(stack)-1] }
	add := func(n node) { top().n.children = append(top().n.children, n) }

	rest := tmpl
	pos := 0
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			if rest != "" {
				add(node{kind: nodeText, text: rest})
			}
			break
		}
		if i > 0 {
			add(node{kind: nodeText, text: rest[:i]})
		}
		j := strings.Index(rest[i:], "}}")
		if j < 0 {
			return nil, fmt.Errorf("prompt template: unclosed tag at offset %d", pos+i)
		}
		tag := strings.TrimSpace(rest[i+2 : i+j])
		tagPos := pos + i
		pos += i + j + 2
		rest = rest[i+j+2:]

		if tag == "" {
			return nil, fmt.Errorf("prompt template: empty tag at offset %d", tagPos)
		}
		sigil, name := tag[0], strings.TrimSpace(tag[1:])
		switch sigil {
		case '#', '^':
			if !slices.Contains(Fields, name) {
				return nil, fmt.Errorf("prompt template: unknown placeholder %q", name)
			}
			kind := nodeSection
			if sigil == '^' {
				kind = nodeInverted
			}
			stack = append(stack, &frame{n: node{kind: kind, text: name}, start: tagPos})
		case '/':
			if len(stack) == 1 || top().n.text != name {
				return nil, fmt.Errorf("prompt template: unexpected {{/%s}} at offset %d", name, tagPos)
			}
			done := top().n
			stack = stack[:len(stack)-1]
			add(done)
		default:
			if !slices.Contains(Fields, tag) {
				return nil, fmt.Errorf("prompt template: unknown placeholder %q", tag)
			}
			add(node{kind: nodeVar, text: tag})
		}
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("prompt template: section %q opened at offset %d is not closed", top().n.text, top().start)
	}
	return stack[0].n.children, nil
}
