// Package render assembles the merged Clash configuration document.
package render

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/John-Robertt/nodemerge/internal/model"
)

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

func (e *RenderError) App() model.AppError { return e.AppError }

// IsEmptyResult reports whether err is the "no node survived" failure.
func IsEmptyResult(err error) bool {
	var re *RenderError
	return errors.As(err, &re) && re.AppError.Code == "EMPTY_RESULT"
}

// GroupOptions configures the single url-test group of the output.
type GroupOptions struct {
	Name      string
	TestURL   string
	Interval  int // seconds
	Tolerance int // milliseconds
}

func DefaultGroupOptions() GroupOptions {
	return GroupOptions{
		Name:      "Proxy",
		TestURL:   "http://www.gstatic.com/generate_204",
		Interval:  300,
		Tolerance: 50,
	}
}

func (o GroupOptions) withDefaults() GroupOptions {
	def := DefaultGroupOptions()
	if o.Name == "" {
		o.Name = def.Name
	}
	if o.TestURL == "" {
		o.TestURL = def.TestURL
	}
	if o.Interval == 0 {
		o.Interval = def.Interval
	}
	if o.Tolerance == 0 {
		o.Tolerance = def.Tolerance
	}
	return o
}

// Document is the output configuration: every accepted node, one url-test
// group over all of them and a single catch-all rule.
type Document struct {
	Proxies []model.Node
	Groups  []model.Group
	Rules   []model.Rule
}

// Assemble builds the output document from nodes in their accepted order.
// An empty node list is an error: a group without members is rejected by
// Clash clients, so nothing is produced.
func Assemble(nodes []model.Node, opt GroupOptions) (*Document, error) {
	if len(nodes) == 0 {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "EMPTY_RESULT",
				Message: "没有可用节点，未生成配置",
				Stage:   "assemble",
				Hint:    "check that at least one source is reachable and lists proxies with server and port",
			},
		}
	}
	opt = opt.withDefaults()

	members := lo.Map(nodes, func(n model.Node, _ int) string { return n.Text("name") })
	group := model.Group{
		Name:        opt.Name,
		Members:     members,
		TestURL:     opt.TestURL,
		IntervalSec: opt.Interval,
		ToleranceMS: opt.Tolerance,
	}

	proxies := make([]model.Node, len(nodes))
	copy(proxies, nodes)
	return &Document{
		Proxies: proxies,
		Groups:  []model.Group{group},
		Rules:   []model.Rule{{Type: "MATCH", Action: opt.Name}},
	}, nil
}
