// Package normalize repairs known field quirks of proxy entries and decides
// whether an entry is usable at all.
package normalize

import (
	"fmt"

	"github.com/John-Robertt/nodemerge/internal/model"
)

// cipherAliases maps shadowsocks cipher names that some sources emit to the
// names Clash clients accept.
var cipherAliases = map[string]string{
	"chacha20-poly1305": "chacha20-ietf-poly1305",
}

type RecordError struct {
	AppError model.AppError
}

func (e *RecordError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
}

func (e *RecordError) App() model.AppError { return e.AppError }

// Normalize fixes n in place and reports a *RecordError when n lacks a
// usable server or port. Rejected entries are dropped by the caller without
// further logging.
func Normalize(n model.Node) error {
	fixCipher(n)

	if !n.Truthy("server") {
		return recordError(n, "缺少 server 字段")
	}
	port, ok := n.Get("port")
	if !ok || !port.Truthy() || port.IsZeroNumber() {
		return recordError(n, "缺少 port 字段或端口为 0")
	}
	return nil
}

// fixCipher rewrites cipher aliases of shadowsocks entries. The cipher field
// wins over method when both are set; the result is always written to cipher.
func fixCipher(n model.Node) {
	if n.Text("type") != "ss" {
		return
	}
	method := n.Text("cipher")
	if !n.Truthy("cipher") {
		method = n.Text("method")
	}
	if to, ok := cipherAliases[method]; ok {
		n.Set("cipher", to)
	}
}

func recordError(n model.Node, message string) error {
	return &RecordError{
		AppError: model.AppError{
			Code:    "MALFORMED_RECORD",
			Message: message,
			Stage:   "normalize",
			Snippet: n.Text("name"),
		},
	}
}
