package model

// Rule is one rules entry. The merged document routes everything to its
// group with a single "MATCH,<group>".
type Rule struct {
	Type   string // "MATCH"
	Action string // group name
}
