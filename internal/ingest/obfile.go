package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"obcatalog/internal/domain"
)

// Node is one observing block of a parsed description, detached from storage.
type Node struct {
	ID         string
	Instrument string
	Mode       string
	Object     string
	Frames     []string
	// HasFrames is set when the description declares a frames list, even an empty one.
	HasFrames bool
	Children  []*Node
	Facts     map[string]any
}

type nodeKind int

const (
	containerNode nodeKind = iota + 1
	leafNode
)

func (n *Node) kind() (nodeKind, error) {
	switch {
	case len(n.Children) > 0 && len(n.Frames) > 0:
		return 0, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s has both children and frames", n.ID)
	case len(n.Children) > 0:
		return containerNode, nil
	case n.HasFrames:
		return leafNode, nil
	}
	return 0, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s has neither children nor frames", n.ID)
}

// scalar accepts any YAML scalar as text; ids may be written as numbers.
type scalar string

func (s *scalar) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	if value.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalar(value.Value)
	return nil
}

type obDocument struct {
	ID         scalar         `yaml:"id"`
	Instrument string         `yaml:"instrument"`
	Mode       string         `yaml:"mode"`
	Object     string         `yaml:"object"`
	Frames     *[]string      `yaml:"frames"`
	Children   []childRef     `yaml:"children"`
	Parent     scalar         `yaml:"parent"`
	Facts      map[string]any `yaml:"facts"`
}

// childRef is either the id of another document or an inline block.
type childRef struct {
	ID     string
	Inline *obDocument
}

func (c *childRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s scalar
		if err := value.Decode(&s); err != nil {
			return err
		}
		c.ID = string(s)
		return nil
	case yaml.MappingNode:
		var doc obDocument
		if err := value.Decode(&doc); err != nil {
			return err
		}
		c.Inline = &doc
		return nil
	}
	return fmt.Errorf("line %d: child must be an id or an observing block", value.Line)
}

// ParseFile reads a multi-document OB description.
func ParseFile(path string) ([]*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	roots, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return roots, nil
}

// Parse decodes every YAML document and links them into trees. Children are
// given inline, by id, or through the parent field of a later document.
// It returns the root blocks in declaration order.
func Parse(data []byte) ([]*Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []*obDocument
	for {
		var doc obDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Wrap(domain.ErrMalformedObservingBlock, err, "decode document %d", len(docs)+1)
		}
		docs = append(docs, &doc)
	}

	b := builder{byID: map[string]*Node{}, referenced: map[string]bool{}}
	var order []*Node
	for _, doc := range docs {
		n, err := b.add(doc)
		if err != nil {
			return nil, err
		}
		order = append(order, n)
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	var roots []*Node
	for _, n := range order {
		if !b.referenced[n.ID] {
			roots = append(roots, n)
		}
	}
	if reached := countNodes(roots); reached != len(b.byID) {
		return nil, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block tree has a cycle (%d of %d blocks reachable)", reached, len(b.byID))
	}
	return roots, nil
}

type builder struct {
	byID       map[string]*Node
	referenced map[string]bool
	pending    []pendingLink
}

type pendingLink struct {
	parent  string
	childID string
	child   *Node
}

func (b *builder) add(doc *obDocument) (*Node, error) {
	id := string(doc.ID)
	if id == "" {
		return nil, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block without id")
	}
	if _, ok := b.byID[id]; ok {
		return nil, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s declared twice", id)
	}
	n := &Node{ID: id, Instrument: doc.Instrument, Mode: doc.Mode, Object: doc.Object, Facts: doc.Facts}
	if doc.Frames != nil {
		n.HasFrames = true
		n.Frames = *doc.Frames
	}
	b.byID[id] = n
	for _, c := range doc.Children {
		if c.Inline != nil {
			child, err := b.add(c.Inline)
			if err != nil {
				return nil, err
			}
			if p := string(c.Inline.Parent); p != "" && p != id {
				return nil, domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s nested under %s but names parent %s", child.ID, id, p)
			}
			b.pending = append(b.pending, pendingLink{parent: id, child: child})
			continue
		}
		b.pending = append(b.pending, pendingLink{parent: id, childID: c.ID})
	}
	if p := string(doc.Parent); p != "" {
		b.pending = append(b.pending, pendingLink{parent: p, childID: id})
	}
	return n, nil
}

func (b *builder) link() error {
	for _, l := range b.pending {
		parent, ok := b.byID[l.parent]
		if !ok {
			return domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s not declared in this file", l.parent)
		}
		child := l.child
		if child == nil {
			if child, ok = b.byID[l.childID]; !ok {
				return domain.Errorf(domain.ErrMalformedObservingBlock, "child %s of observing block %s not declared in this file", l.childID, l.parent)
			}
		}
		if child == parent {
			return domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s is its own parent", child.ID)
		}
		if b.referenced[child.ID] {
			// declared both by id and through parent
			if contains(parent.Children, child) {
				continue
			}
			return domain.Errorf(domain.ErrMalformedObservingBlock, "observing block %s has more than one parent", child.ID)
		}
		b.referenced[child.ID] = true
		parent.Children = append(parent.Children, child)
	}
	return nil
}

func contains(nodes []*Node, n *Node) bool {
	for _, c := range nodes {
		if c == n {
			return true
		}
	}
	return false
}

func countNodes(nodes []*Node) int {
	n := 0
	for _, c := range nodes {
		n += 1 + countNodes(c.Children)
	}
	return n
}
