package model

// AppError is the error payload shared by every pipeline stage. Stage names the
// step that failed (read_local, fetch_remote, parse_source, normalize,
// assemble, write_output) and Code the failure class within it.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // truncated to 200 chars
	Hint    string `json:"hint,omitempty"`
}

// Coded is implemented by every package error type that carries an AppError.
type Coded interface {
	error
	App() AppError
}
