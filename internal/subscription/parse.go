// Package subscription extracts proxy entries from Clash-style documents.
package subscription

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/metacubex/mihomo/common/convert"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/nodemerge/internal/model"
)

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func (e *ParseError) App() model.AppError { return e.AppError }

// Document is the usable part of one source.
type Document struct {
	Nodes []model.Node

	// Skipped counts proxies entries that were not mappings.
	Skipped int
}

// Parse reads a Clash-style document and returns its proxies entries.
// Content that is not a YAML mapping but a list of share links (ss://,
// vmess://, trojan://, ..., plain or base64 encoded) is accepted too.
//
// A document that does not parse, is not a mapping, or has no "proxies"
// sequence yields a *ParseError; the caller treats that source as empty.
// Parse never panics on arbitrary input.
func Parse(sourceURL string, content string) (doc *Document, err error) {
	defer func() {
		// yaml.v3 has panicked on pathological input before; keep the
		// boundary closed.
		if r := recover(); r != nil {
			doc = nil
			err = newParseError(sourceURL, 0, "", "文档解析异常", fmt.Errorf("panic: %v", r))
		}
	}()

	text := dropBlankLines(stripUTF8BOM(content))
	if text == "" {
		return nil, newParseError(sourceURL, 0, "", "文档为空", nil)
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		if links, ok := convertLinks(text); ok {
			return links, nil
		}
		return nil, newParseError(sourceURL, yamlErrorLine(err), "", "YAML 解析失败", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, newParseError(sourceURL, 0, "", "文档为空", nil)
	}

	top := root.Content[0]
	if top.Kind == yaml.AliasNode {
		top = top.Alias
	}
	if top == nil || top.Kind != yaml.MappingNode {
		if links, ok := convertLinks(text); ok {
			return links, nil
		}
		return nil, newParseError(sourceURL, lineOf(top), truncateSnippet(text, 200), "文档顶层不是映射", nil)
	}

	proxies, found := lookup(top, "proxies")
	if !found {
		return nil, newParseError(sourceURL, 0, "", "文档缺少 proxies 字段", nil)
	}
	if proxies.Kind == yaml.AliasNode {
		proxies = proxies.Alias
	}

	doc = &Document{}
	switch {
	case proxies == nil:
	case proxies.Kind == yaml.ScalarNode && proxies.ShortTag() == "!!null":
		// "proxies:" with no entries.
	case proxies.Kind == yaml.SequenceNode:
		doc.Nodes = make([]model.Node, 0, len(proxies.Content))
		for _, item := range proxies.Content {
			n, ok := model.NodeFromYAML(item)
			if !ok {
				doc.Skipped++
				continue
			}
			doc.Nodes = append(doc.Nodes, n)
		}
	default:
		return nil, newParseError(sourceURL, proxies.Line, "", "proxies 字段不是列表", nil)
	}
	return doc, nil
}

// convertLinks turns a share-link subscription into Clash proxy entries. It
// reports false when text holds no link the converter understands.
func convertLinks(text string) (*Document, bool) {
	proxies, err := convert.ConvertsV2Ray([]byte(text))
	if err != nil || len(proxies) == 0 {
		return nil, false
	}
	doc := &Document{Nodes: make([]model.Node, 0, len(proxies))}
	for _, p := range proxies {
		n, err := model.NodeFromMap(p)
		if err != nil {
			doc.Skipped++
			continue
		}
		doc.Nodes = append(doc.Nodes, n)
	}
	return doc, true
}

func lookup(m *yaml.Node, key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1], true
		}
	}
	return nil, false
}

// dropBlankLines removes whitespace-only lines; some sources pad documents
// with lines that carry stray indentation and break block parsing.
func dropBlankLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "\n") + "\n"
}

func lineOf(n *yaml.Node) int {
	if n == nil {
		return 0
	}
	return n.Line
}

func yamlErrorLine(err error) int {
	// yaml.v3 reports "yaml: line N: ..." for syntax errors.
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		return line
	}
	return 0
}

func stripUTF8BOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so the snippet stays valid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func newParseError(sourceURL string, lineNo int, snippet string, message string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    "MALFORMED_DOCUMENT",
			Message: message,
			Stage:   "parse_source",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: snippet,
		},
		Cause: cause,
	}
}
