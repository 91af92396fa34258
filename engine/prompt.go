package engine

import (
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/please-sh/please"
	defaults "github.com/please-sh/please/default"
	"github.com/please-sh/please/index"
)

// recentLimit caps how many of the newest history commands are always sent.
const recentLimit = 5

// PromptData holds the data passed to the system prompt template.
type PromptData struct {
	Today      string
	Cwd        string
	Project    string
	HasStdin   bool
	Redirected bool
	StdoutPath string
}

// Prompt renders the system and user messages for a request.
type Prompt struct {
	tmpl     *template.Template
	relevant int
	logger   *slog.Logger
}

// LoadPrompt builds a Prompt from the custom template at please.PromptPath,
// or the embedded default when there is none.
func LoadPrompt(relevant int, logger *slog.Logger) *Prompt {
	if logger == nil {
		logger = slog.Default()
	}
	custom := ""
	path := please.PromptPath()
	if data, err := os.ReadFile(path); err == nil {
		logger.Info("loaded custom prompt", "path", path)
		custom = string(data)
	}
	p := NewPrompt(custom, relevant)
	p.logger = logger
	return p
}

// NewPrompt parses tmplSrc, falling back to the embedded default when it is
// empty or does not parse. relevant is how many history commands are picked
// by similarity to the request.
func NewPrompt(tmplSrc string, relevant int) *Prompt {
	p := &Prompt{relevant: relevant, logger: slog.Default()}
	if tmplSrc != "" {
		t, err := template.New("prompt").Parse(tmplSrc)
		if err == nil {
			p.tmpl = t
			return p
		}
		p.logger.Warn("failed to parse prompt template, falling back to default", "error", err)
	}
	p.tmpl = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	return p
}

// System renders the system prompt for req as of now.
func (p *Prompt) System(req *please.Request, now time.Time) string {
	data := PromptData{
		Today:      now.Format("Monday, 2 January 2006"),
		Cwd:        req.Context.Cwd,
		Project:    req.Context.Project,
		HasStdin:   req.Context.Stdin != "",
		Redirected: req.Context.Redirected,
		StdoutPath: req.Context.StdoutPath,
	}

	var buf strings.Builder
	if err := p.tmpl.Execute(&buf, data); err != nil {
		p.logger.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		template.Must(template.New("prompt").Parse(defaults.DefaultPrompt)).Execute(&buf, data)
	}
	return strings.TrimRight(buf.String(), " \t\n")
}

// User builds the user message: recent and related history, the request,
// then any piped input.
func (p *Prompt) User(req *please.Request) string {
	var sb strings.Builder

	history := req.Context.History
	recent := history[max(0, len(history)-recentLimit):]
	if len(recent) > 0 {
		sb.WriteString("recent: ")
		sb.WriteString(strings.Join(recent, ", "))
		sb.WriteString("\n")
	}

	older := history[:len(history)-len(recent)]
	var related []string
	for _, cmd := range index.Rank(req.Prompt, older, p.relevant) {
		if !slices.Contains(recent, cmd) && !slices.Contains(related, cmd) {
			related = append(related, cmd)
		}
	}
	if len(related) > 0 {
		sb.WriteString("related: ")
		sb.WriteString(strings.Join(related, ", "))
		sb.WriteString("\n")
	}

	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(req.Prompt)

	if stdin := req.Context.Stdin; stdin != "" {
		sb.WriteString("\n\n<stdin>\n")
		sb.WriteString(stdin)
		if !strings.HasSuffix(stdin, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("</stdin>")
		if req.Context.StdinTruncated {
			sb.WriteString("\n(stdin was truncated)")
		}
	}

	return sb.String()
}
