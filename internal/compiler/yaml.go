package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses YAML declarations. The document uses the same sections
// and keys as the CUE form; mapping order is kept.
func ParseYAML(src []byte, filename string) (*Declarations, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(src))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Declarations{}, nil
		}
		return nil, fmt.Errorf("%s: parse yaml: %w", filename, err)
	}
	p := yamlParser{file: filename}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, p.errorf(root, "document", "must be a mapping")
	}

	d := &Declarations{}
	err := p.each(root, "document", func(section string, sv *yaml.Node) error {
		switch section {
		case "graph":
			return p.eachKey(sv, section, func(k, gv *yaml.Node) error {
				g, err := p.graph(k, gv)
				if err == nil {
					d.Graphs = append(d.Graphs, g)
				}
				return err
			})
		case "named":
			return p.eachEntity(sv, section, func(entity string, k, nv *yaml.Node) error {
				if nv.Kind != yaml.ScalarNode {
					return p.errorf(nv, "named."+entity+"."+k.Value, "must be a query string")
				}
				d.Named = append(d.Named, NamedDecl{Entity: entity, Name: k.Value, Query: nv.Value, Source: p.source(k)})
				return nil
			})
		case "query":
			return p.eachEntity(sv, section, func(entity string, k, qv *yaml.Node) error {
				q, err := p.query(entity, k, qv)
				if err == nil {
					d.Queries = append(d.Queries, q)
				}
				return err
			})
		default:
			return p.errorf(sv, section, "unknown section")
		}
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

type yamlParser struct {
	file string
}

func (p yamlParser) source(n *yaml.Node) Source {
	return Source{File: p.file, Line: n.Line, Column: n.Column}
}

func (p yamlParser) errorf(n *yaml.Node, field, format string, args ...any) error {
	return &CompileError{Field: field, Message: fmt.Sprintf(format, args...), Source: p.source(n)}
}

// each walks a mapping in document order. A null value (an empty section)
// has no entries.
func (p yamlParser) each(n *yaml.Node, field string, fn func(key string, v *yaml.Node) error) error {
	return p.eachKey(n, field, func(k, v *yaml.Node) error {
		return fn(k.Value, v)
	})
}

func (p yamlParser) eachKey(n *yaml.Node, field string, fn func(k, v *yaml.Node) error) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return p.errorf(n, field, "must be a mapping")
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := fn(n.Content[i], n.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// eachEntity walks a two-level section: entity name, then declaration name.
// Declarations are located at their key.
func (p yamlParser) eachEntity(n *yaml.Node, section string, fn func(entity string, k, v *yaml.Node) error) error {
	return p.each(n, section, func(entity string, ev *yaml.Node) error {
		return p.eachKey(ev, section+"."+entity, func(k, v *yaml.Node) error {
			return fn(entity, k, v)
		})
	})
}

func (p yamlParser) graph(k, n *yaml.Node) (GraphDecl, error) {
	name := k.Value
	var raw struct {
		Entity string   `yaml:"entity"`
		Paths  []string `yaml:"paths"`
	}
	field := "graph." + name
	if n.Kind != yaml.MappingNode {
		return GraphDecl{}, p.errorf(n, field, "must be a mapping")
	}
	if err := n.Decode(&raw); err != nil {
		return GraphDecl{}, p.errorf(n, field, "%v", err)
	}
	if raw.Entity == "" {
		return GraphDecl{}, p.errorf(n, field+".entity", "entity is required")
	}
	if len(raw.Paths) == 0 {
		return GraphDecl{}, p.errorf(n, field+".paths", "paths are required")
	}
	return GraphDecl{Name: name, Entity: raw.Entity, Paths: raw.Paths, Source: p.source(k)}, nil
}

func (p yamlParser) query(entity string, k, n *yaml.Node) (QueryDecl, error) {
	name := k.Value
	field := "query." + entity + "." + name
	var f struct {
		Query    string   `yaml:"query"`
		Named    string   `yaml:"named"`
		Count    string   `yaml:"count"`
		Graph    string   `yaml:"graph"`
		Fetch    []string `yaml:"fetch"`
		ReadOnly bool     `yaml:"readOnly"`
		Lock     string   `yaml:"lock"`
		Clear    bool     `yaml:"clear"`
	}
	switch {
	case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
		// "findByUsername:" with no body derives the name.
	case n.Kind == yaml.MappingNode:
		for i := 0; i < len(n.Content); i += 2 {
			if k := n.Content[i]; !slices.Contains(queryKeys, k.Value) {
				return QueryDecl{}, p.errorf(k, field+"."+k.Value, "unknown field")
			}
		}
		if err := n.Decode(&f); err != nil {
			return QueryDecl{}, p.errorf(n, field, "%v", err)
		}
	default:
		return QueryDecl{}, p.errorf(n, field, "must be a mapping")
	}
	return queryFields(f).decl(entity, name, p.source(k)), nil
}
