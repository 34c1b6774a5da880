package subscription

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/John-Robertt/nodemerge/internal/model"
)

func TestParse_SSLinkList(t *testing.T) {
	raw := strings.Join([]string{
		"ss://aes-128-gcm:pass@a.example.com:443#US%201",
		"ss://chacha20-ietf-poly1305:pw@1.2.3.4:8443#second",
	}, "\n")

	doc, err := Parse("https://example.com/sub", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Nodes) != 2 {
		t.Fatalf("nodes=%d, want 2", len(doc.Nodes))
	}

	n := doc.Nodes[0]
	if got := strings.Join(n.Keys()[:4], ","); got != "name,type,server,port" {
		t.Fatalf("keys=%q", n.Keys())
	}
	if n.Text("name") != "US 1" || n.Text("type") != "ss" || n.Text("server") != "a.example.com" {
		t.Fatalf("name=%q type=%q server=%q", n.Text("name"), n.Text("type"), n.Text("server"))
	}
	if n.Text("port") != "443" || n.Text("cipher") != "aes-128-gcm" || n.Text("password") != "pass" {
		t.Fatalf("port=%q cipher=%q password=%q", n.Text("port"), n.Text("cipher"), n.Text("password"))
	}
	if v, _ := n.Get("port"); v.Kind() != model.KindInt {
		t.Fatalf("port kind=%v, want int", v.Kind())
	}
	if doc.Nodes[1].Text("server") != "1.2.3.4" || doc.Nodes[1].Text("port") != "8443" {
		t.Fatalf("second server=%q port=%q", doc.Nodes[1].Text("server"), doc.Nodes[1].Text("port"))
	}
}

func TestParse_MixedProtocolLinkListBase64(t *testing.T) {
	// trojan, vless and ss links, base64 encoded as a whole.
	raw := "dHJvamFuOi8vc2VjcmV0QGpwLmV4YW1wbGUuY29tOjQ0Mz9zbmk9anAuZXhhbXBsZS5jb20jSlAtdHJvamFuCnZsZXNzOi8vYjgzMTM4MWQtNjMyNC00ZDUzLWFkNGYtOGNkYTQ4YjMwODExQHVzLmV4YW1wbGUuY29tOjg0NDM/ZW5jcnlwdGlvbj1ub25lJnNlY3VyaXR5PXRscyZ0eXBlPXRjcCZzbmk9dXMuZXhhbXBsZS5jb20jVVMtdmxlc3MKc3M6Ly9hZXMtMTI4LWdjbTpwYXNzQGhrLmV4YW1wbGUuY29tOjgzODgjSEstc3MK\n"

	doc, err := Parse("https://example.com/sub", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Nodes) != 3 || doc.Skipped != 0 {
		t.Fatalf("nodes=%d skipped=%d, want 3/0", len(doc.Nodes), doc.Skipped)
	}

	want := []struct{ name, typ, server, port string }{
		{"JP-trojan", "trojan", "jp.example.com", "443"},
		{"US-vless", "vless", "us.example.com", "8443"},
		{"HK-ss", "ss", "hk.example.com", "8388"},
	}
	for i, w := range want {
		n := doc.Nodes[i]
		if n.Text("name") != w.name || n.Text("type") != w.typ || n.Text("server") != w.server || n.Text("port") != w.port {
			t.Fatalf("node[%d] name=%q type=%q server=%q port=%q, want %+v",
				i, n.Text("name"), n.Text("type"), n.Text("server"), n.Text("port"), w)
		}
	}
	if doc.Nodes[0].Text("password") != "secret" {
		t.Fatalf("trojan password=%q", doc.Nodes[0].Text("password"))
	}
	if doc.Nodes[1].Text("uuid") != "b831381d-6324-4d53-ad4f-8cda48b30811" {
		t.Fatalf("vless uuid=%q", doc.Nodes[1].Text("uuid"))
	}
}

func TestTruncateSnippet_RuneBoundary(t *testing.T) {
	s := "节点-" + strings.Repeat("a", 10)
	// "节" is three bytes; cutting at 2 or 4 would split a rune.
	for _, max := range []int{1, 2, 4, 5} {
		got := truncateSnippet(s, max)
		if !utf8.ValidString(got) {
			t.Fatalf("truncateSnippet(%d)=%q is not valid UTF-8", max, got)
		}
		if len(got) > max {
			t.Fatalf("truncateSnippet(%d)=%q longer than max", max, got)
		}
	}
	if got := truncateSnippet(s, 6); got != "节点" {
		t.Fatalf("got=%q, want=%q", got, "节点")
	}
}
