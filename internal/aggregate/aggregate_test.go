package aggregate

import (
	"fmt"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/nodemerge/internal/classify"
	"github.com/John-Robertt/nodemerge/internal/model"
)

func mkNode(server string, port int, name string) model.Node {
	n := model.NewNode()
	n.Set("server", server)
	n.SetValue("port", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(port)})
	n.Set("name", name)
	return n
}

func names(nodes []model.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Text("name"))
	}
	return out
}

func TestAccept_EndToEndScenario(t *testing.T) {
	a := New(nil)
	sourceA := []model.Node{mkNode("1.1.1.1", 443, "US-1"), mkNode("2.2.2.2", 80, "JP-1")}
	sourceB := []model.Node{mkNode("1.1.1.1", 443, "duplicate"), mkNode("3.3.3.3", 8080, "random")}

	var accepted []bool
	for _, n := range append(sourceA, sourceB...) {
		accepted = append(accepted, a.Accept(n))
	}
	if fmt.Sprint(accepted) != "[true true false true]" {
		t.Fatalf("accepted=%v", accepted)
	}

	got := names(a.Nodes())
	want := []string{"🇺🇸 美国 01", "🇯🇵 日本 01", "🏳️ 其他 01"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("names=%q, want=%q", got, want)
	}
}

func TestAccept_SameSourceTwiceIsIdempotent(t *testing.T) {
	src := func() []model.Node {
		return []model.Node{mkNode("a", 1, "HK 1"), mkNode("b", 2, "HK 2"), mkNode("c", 3, "JP")}
	}

	a := New(nil)
	for _, n := range src() {
		a.Accept(n)
	}
	once := names(a.Nodes())

	for _, n := range src() {
		if a.Accept(n) {
			t.Fatalf("duplicate %s accepted", ServerKey(n))
		}
	}
	if a.Len() != 3 {
		t.Fatalf("len=%d, want 3", a.Len())
	}
	if twice := names(a.Nodes()); fmt.Sprint(twice) != fmt.Sprint(once) {
		t.Fatalf("names changed: %q -> %q", once, twice)
	}
	counts := a.Counts()
	if len(counts) != 2 || counts[0].Count != 1 || counts[1].Count != 2 {
		t.Fatalf("counts=%+v", counts)
	}
}

func TestAccept_PortTypeDoesNotSplitIdentity(t *testing.T) {
	a := New(nil)
	a.Accept(mkNode("1.1.1.1", 443, "x"))

	n := model.NewNode()
	n.Set("server", "1.1.1.1")
	n.Set("port", "443")
	if a.Accept(n) {
		t.Fatalf("port 443 and \"443\" must share one ServerKey")
	}
	if !a.Accept(mkNode("1.1.1.1", 444, "x")) {
		t.Fatalf("different port must be accepted")
	}
}

func TestAccept_CounterFormat(t *testing.T) {
	a := New(nil)
	for i := 1; i <= 12; i++ {
		a.Accept(mkNode(fmt.Sprintf("10.0.0.%d", i), 443, "Tokyo"))
	}
	got := names(a.Nodes())
	if got[0] != "🇯🇵 日本 01" || got[8] != "🇯🇵 日本 09" {
		t.Fatalf("names=%q", got)
	}
	if got[9] != "🇯🇵 日本 10" || got[11] != "🇯🇵 日本 12" {
		t.Fatalf("names=%q", got)
	}

	for i := 13; i <= 100; i++ {
		a.Accept(mkNode(fmt.Sprintf("10.0.1.%d", i), 443, "JP"))
	}
	if last := names(a.Nodes())[99]; last != "🇯🇵 日本 100" {
		t.Fatalf("last=%q", last)
	}
}

func TestAccept_CountersPerLabel(t *testing.T) {
	a := New(nil)
	a.Accept(mkNode("a", 1, "US"))
	a.Accept(mkNode("b", 1, "JP"))
	a.Accept(mkNode("c", 1, "US"))
	a.Accept(mkNode("d", 1, ""))

	n := model.NewNode()
	n.Set("server", "e")
	n.Set("port", "1")
	a.Accept(n) // no name at all

	got := names(a.Nodes())
	want := []string{"🇺🇸 美国 01", "🇯🇵 日本 01", "🇺🇸 美国 02", "🏳️ 其他 01", "🏳️ 其他 02"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("names=%q, want=%q", got, want)
	}
}

func TestAccept_KeepsOpaqueFields(t *testing.T) {
	a := New(nil)
	n := mkNode("s", 1, "HK")
	n.Set("password", "secret")
	n.Set("type", "trojan")
	a.Accept(n)

	got := a.Nodes()[0]
	if got.Text("password") != "secret" || got.Text("type") != "trojan" {
		t.Fatalf("opaque fields lost: %v", got.Keys())
	}
	if got.Keys()[2] != "name" {
		t.Fatalf("name must keep its position, keys=%v", got.Keys())
	}
}

func TestNew_CustomClassifier(t *testing.T) {
	c := classify.MustNew([]classify.Row{{Label: "A", Patterns: []string{"x"}}})
	a := New(c)
	a.Accept(mkNode("s", 1, "X"))
	a.Accept(mkNode("t", 1, "US"))
	if got := names(a.Nodes()); got[0] != "A 01" || got[1] != string(classify.Other)+" 01" {
		t.Fatalf("names=%q", got)
	}
}

func TestNodes_ReturnsCopy(t *testing.T) {
	a := New(nil)
	a.Accept(mkNode("s", 1, "x"))
	nodes := a.Nodes()
	nodes[0] = model.NewNode()
	if a.Nodes()[0].Text("server") != "s" {
		t.Fatalf("internal slice exposed")
	}
}
