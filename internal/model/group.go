package model

// Group is a proxy-groups entry of the output: a url-test group that probes
// every member and picks the fastest.
type Group struct {
	Name    string
	Members []string // node names, in output order

	TestURL     string
	IntervalSec int
	ToleranceMS int
}
