package model

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one proxy entry: an ordered mapping whose keys and values are kept
// exactly as they appeared in the source document. Only server, port, type,
// name, cipher and method are interpreted; every other key is passed through
// to the output verbatim, in its original position.
//
// The zero Node is not usable; build one with NewNode or NodeFromYAML.
type Node struct {
	m *yaml.Node // always a MappingNode
}

// NewNode returns an empty mapping.
func NewNode() Node {
	return Node{m: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// NodeFromYAML detaches a proxy entry from its document. Aliases are
// resolved, merge keys applied, anchors and comments dropped and collections
// switched to block style, so the returned Node shares nothing with src.
// It reports false if src is not a mapping.
func NodeFromYAML(src *yaml.Node) (Node, bool) {
	src = resolveAlias(src)
	if src == nil || src.Kind != yaml.MappingNode {
		return Node{}, false
	}
	return Node{m: detach(src, 0)}, true
}

// leadingKeys are written first, in this order, by NodeFromMap.
var leadingKeys = []string{"name", "type", "server", "port"}

// NodeFromMap builds a Node from a decoded proxy map such as the ones share
// link converters return. Go maps carry no order, so name, type, server and
// port come first and the remaining keys follow sorted. A port written as a
// decimal string is stored as an integer.
func NodeFromMap(m map[string]any) (Node, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := leadingRank(keys[i]), leadingRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	n := NewNode()
	for _, k := range keys {
		v := m[k]
		if k == "port" {
			if s, ok := v.(string); ok {
				if p, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					v = p
				}
			}
		}
		var val yaml.Node
		if err := val.Encode(v); err != nil {
			return Node{}, err
		}
		n.SetValue(k, detach(&val, 0))
	}
	return n, nil
}

func leadingRank(k string) int {
	for i, l := range leadingKeys {
		if k == l {
			return i
		}
	}
	return len(leadingKeys)
}

// YAML returns the underlying mapping node. The caller must not keep it past
// further mutation of n.
func (n Node) YAML() *yaml.Node { return n.m }

// Len reports the number of keys.
func (n Node) Len() int {
	if n.m == nil {
		return 0
	}
	return len(n.m.Content) / 2
}

// Keys returns the keys in document order.
func (n Node) Keys() []string {
	if n.m == nil {
		return nil
	}
	out := make([]string, 0, len(n.m.Content)/2)
	for i := 0; i+1 < len(n.m.Content); i += 2 {
		out = append(out, n.m.Content[i].Value)
	}
	return out
}

// Get returns the value stored under key.
func (n Node) Get(key string) (Value, bool) {
	if i := n.index(key); i >= 0 {
		return Value{n: n.m.Content[i+1]}, true
	}
	return Value{}, false
}

// Text returns the scalar text stored under key, or "" when the key is absent,
// null, or not a scalar.
func (n Node) Text(key string) string {
	v, ok := n.Get(key)
	if !ok {
		return ""
	}
	return v.Text()
}

// Truthy reports whether key is present with a non-empty, non-zero value.
func (n Node) Truthy(key string) bool {
	v, ok := n.Get(key)
	return ok && v.Truthy()
}

// Set stores s as a plain string under key. An existing key keeps its
// position; a new key is appended.
func (n Node) Set(key, s string) {
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	if i := n.index(key); i >= 0 {
		n.m.Content[i+1] = val
		return
	}
	n.m.Content = append(n.m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		val,
	)
}

// SetValue stores an arbitrary YAML value under key (used by tests and
// callers that build nodes programmatically).
func (n Node) SetValue(key string, v *yaml.Node) {
	if i := n.index(key); i >= 0 {
		n.m.Content[i+1] = v
		return
	}
	n.m.Content = append(n.m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		v,
	)
}

func (n Node) index(key string) int {
	if n.m == nil {
		return -1
	}
	for i := 0; i+1 < len(n.m.Content); i += 2 {
		if n.m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// ValueKind is the resolved YAML type of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMapping
	KindSequence
)

// Value is a tagged view over one YAML value inside a Node.
type Value struct {
	n *yaml.Node
}

func (v Value) Kind() ValueKind {
	if v.n == nil {
		return KindNull
	}
	switch v.n.Kind {
	case yaml.MappingNode:
		return KindMapping
	case yaml.SequenceNode:
		return KindSequence
	}
	switch v.n.ShortTag() {
	case "!!null":
		return KindNull
	case "!!int":
		return KindInt
	case "!!float":
		return KindFloat
	case "!!bool":
		return KindBool
	default:
		return KindString
	}
}

// Text returns the literal scalar text ("" for null and collections).
func (v Value) Text() string {
	if v.n == nil || v.n.Kind != yaml.ScalarNode || v.Kind() == KindNull {
		return ""
	}
	return v.n.Value
}

// Truthy follows the usual scripting-language notion of truthiness: null,
// "", 0, 0.0, false and empty collections are false.
func (v Value) Truthy() bool {
	switch v.Kind() {
	case KindNull:
		return false
	case KindMapping, KindSequence:
		return len(v.n.Content) > 0
	case KindInt:
		var i int64
		if err := v.n.Decode(&i); err == nil {
			return i != 0
		}
		// Out of int64 range: certainly not zero.
		return true
	case KindFloat:
		var f float64
		if err := v.n.Decode(&f); err == nil {
			return f != 0
		}
		return true
	case KindBool:
		var b bool
		if err := v.n.Decode(&b); err == nil {
			return b
		}
		return false
	default:
		return v.n.Value != ""
	}
}

// IsZeroNumber reports whether the value is a number equal to zero, either
// typed (0, 0.0) or written as a numeric string ("0", " 00 ").
func (v Value) IsZeroNumber() bool {
	switch v.Kind() {
	case KindInt, KindFloat:
		return !v.Truthy()
	case KindString:
		s := strings.TrimSpace(v.n.Value)
		if s == "" {
			return false
		}
		return strings.Trim(s, "0") == ""
	default:
		return false
	}
}

const maxDetachDepth = 64

func resolveAlias(n *yaml.Node) *yaml.Node {
	for i := 0; n != nil && n.Kind == yaml.AliasNode && i < maxDetachDepth; i++ {
		n = n.Alias
	}
	if n != nil && n.Kind == yaml.AliasNode {
		return nil
	}
	return n
}

func detach(src *yaml.Node, depth int) *yaml.Node {
	src = resolveAlias(src)
	if src == nil || depth > maxDetachDepth {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}

	out := &yaml.Node{Kind: src.Kind, Tag: src.Tag, Value: src.Value}
	switch src.Kind {
	case yaml.ScalarNode:
		// Keep quoting so "8388" stays a string and 8388 stays an int.
		out.Style = src.Style &^ yaml.FlowStyle
	case yaml.SequenceNode:
		out.Content = make([]*yaml.Node, 0, len(src.Content))
		for _, c := range src.Content {
			out.Content = append(out.Content, detach(c, depth+1))
		}
	case yaml.MappingNode:
		out.Content = detachMapping(src, depth)
	case yaml.DocumentNode:
		for _, c := range src.Content {
			out.Content = append(out.Content, detach(c, depth+1))
		}
	}
	return out
}

// detachMapping copies key/value pairs and applies "<<" merge keys. Explicit
// keys win over merged ones; merged keys are appended after the explicit
// ones in the order they are found.
func detachMapping(src *yaml.Node, depth int) []*yaml.Node {
	out := make([]*yaml.Node, 0, len(src.Content))
	seen := make(map[string]struct{}, len(src.Content)/2)
	var merges []*yaml.Node

	for i := 0; i+1 < len(src.Content); i += 2 {
		k, v := src.Content[i], src.Content[i+1]
		if k.Kind == yaml.ScalarNode && k.Value == "<<" && k.ShortTag() == "!!merge" {
			merges = append(merges, v)
			continue
		}
		seen[k.Value] = struct{}{}
		out = append(out, detach(k, depth+1), detach(v, depth+1))
	}

	for _, m := range merges {
		m = resolveAlias(m)
		if m == nil {
			continue
		}
		var sources []*yaml.Node
		switch m.Kind {
		case yaml.MappingNode:
			sources = []*yaml.Node{m}
		case yaml.SequenceNode:
			for _, c := range m.Content {
				if c = resolveAlias(c); c != nil && c.Kind == yaml.MappingNode {
					sources = append(sources, c)
				}
			}
		}
		for _, s := range sources {
			merged := detachMapping(s, depth+1)
			for i := 0; i+1 < len(merged); i += 2 {
				if _, ok := seen[merged[i].Value]; ok {
					continue
				}
				seen[merged[i].Value] = struct{}{}
				out = append(out, merged[i], merged[i+1])
			}
		}
	}
	return out
}
