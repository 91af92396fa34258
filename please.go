// Package please defines the request types, error kinds and configuration
// shared by the please hub and the processes that talk to it.
// Requests travel between them as CBOR frames over a Unix domain socket,
// one request per connection (see package frame).
package please

// Request is one natural-language request as the hub sees it.
type Request struct {
	// ID is assigned by the hub when the request is registered. Clients
	// leave it empty.
	ID string `json:"id,omitempty"`
	// Prompt is the user's request text.
	Prompt string `json:"prompt"`
	// Context is what the invoking process knows about its surroundings.
	Context Context `json:"context"`
}

// Context describes the environment the request was made from. Every field
// is optional; the hub treats missing context as "unknown".
type Context struct {
	// Cwd is the working directory of the invoking shell.
	Cwd string `json:"cwd,omitempty"`
	// History holds recent shell commands, oldest first, already redacted
	// on the client.
	History []string `json:"history,omitempty"`
	// Stdin is content piped into the invoking process.
	Stdin string `json:"stdin,omitempty"`
	// StdinTruncated is set when Stdin was cut to fit a frame.
	StdinTruncated bool `json:"stdin_truncated,omitempty"`
	// StdoutPath is the file stdout is redirected to, if any.
	StdoutPath string `json:"stdout_path,omitempty"`
	// Redirected is true when stdout is not a terminal.
	Redirected bool `json:"redirected,omitempty"`
	// Project is a short summary of the project manifests found in Cwd.
	Project string `json:"project,omitempty"`
}
