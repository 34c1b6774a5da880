package render

import (
	"bytes"
	"reflect"
	"regexp"
	"strconv"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/nodemerge/internal/model"
)

// YAML encodes d as a Clash configuration with top-level keys in the order
// proxies, proxy-groups, rules and a two-space indent.
func (d *Document) YAML() ([]byte, error) {
	if d == nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "render input 不能为空",
				Stage:   "assemble",
			},
		}
	}

	proxies := seq()
	for _, p := range d.Proxies {
		proxies.Content = append(proxies.Content, p.YAML())
	}
	groups := seq()
	for _, g := range d.Groups {
		groups.Content = append(groups.Content, groupNode(g))
	}
	rules := seq()
	for _, r := range d.Rules {
		rules.Content = append(rules.Content, str(ruleToClashString(r)))
	}

	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	root.Content = append(root.Content,
		str("proxies"), proxies,
		str("proxy-groups"), groups,
		str("rules"), rules,
	)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "YAML 编码失败",
				Stage:   "assemble",
			},
			Cause: err,
		}
	}
	if err := enc.Close(); err != nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "YAML 编码失败",
				Stage:   "assemble",
			},
			Cause: err,
		}
	}
	return unescapeAstral(buf.Bytes()), nil
}

func groupNode(g model.Group) *yaml.Node {
	members := seq()
	for _, m := range g.Members {
		members.Content = append(members.Content, str(m))
	}

	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	n.Content = append(n.Content,
		str("name"), str(g.Name),
		str("type"), str("url-test"),
		str("proxies"), members,
		str("url"), str(g.TestURL),
		str("interval"), integer(g.IntervalSec),
		str("tolerance"), integer(g.ToleranceMS),
	)
	return n
}

func ruleToClashString(r model.Rule) string {
	return r.Type + "," + r.Action
}

func seq() *yaml.Node { return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"} }

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func integer(i int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(i)}
}

var astralEscape = regexp.MustCompile(`\\+U[0-9A-Fa-f]{8}`)

// unescapeAstral turns the \UXXXXXXXX escapes yaml.v3 writes for characters
// outside the BMP (flag emoji in node names) back into literal UTF-8. The
// rewrite is kept only if the document still decodes to the same value.
func unescapeAstral(in []byte) []byte {
	if !astralEscape.Match(in) {
		return in
	}
	out := astralEscape.ReplaceAllFunc(in, func(m []byte) []byte {
		u := bytes.IndexByte(m, 'U')
		if u%2 == 0 {
			// Even run of backslashes: the U is literal text.
			return m
		}
		cp, err := strconv.ParseUint(string(m[u+1:]), 16, 32)
		r := rune(cp)
		if err != nil || r < 0x10000 || !utf8.ValidRune(r) {
			return m
		}
		return utf8.AppendRune(append([]byte(nil), m[:u-1]...), r)
	})

	var before, after any
	if yaml.Unmarshal(in, &before) != nil || yaml.Unmarshal(out, &after) != nil {
		return in
	}
	if !reflect.DeepEqual(before, after) {
		return in
	}
	return out
}
