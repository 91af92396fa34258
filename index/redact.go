package index

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Redacted replaces secret values.
const Redacted = "***"

// safeVars are environment variables whose names and values are harmless and
// useful to the model.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "DISPLAY": true, "WAYLAND_DISPLAY": true,
	"HISTFILE": true, "SHLVL": true, "GOPATH": true, "GOOS": true,
	"GOARCH": true, "CGO_ENABLED": true, "NODE_ENV": true, "DEBUG": true,
	"COLUMNS": true, "LINES": true, "LC_ALL": true, "LC_CTYPE": true,
}

// specialParams are shell special and positional parameters.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// secretFlags take a secret as their value, either "--flag=value" or
// "--flag value".
var secretFlags = map[string]bool{
	"--password": true, "--passwd": true, "--pass": true,
	"--token": true, "--secret": true, "--api-key": true, "--apikey": true,
	"--access-key": true, "--secret-key": true, "--client-secret": true,
}

var (
	reToken = regexp.MustCompile(`\b(?:` +
		`gh[pousr]_[A-Za-z0-9_]{16,}|github_pat_[A-Za-z0-9_]{16,}|` +
		`sk-[A-Za-z0-9_-]{16,}|xox[abprs]-[A-Za-z0-9-]{10,}|` +
		`AKIA[0-9A-Z]{16}|` +
		`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,})`)
	reBearer   = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	reURLCreds = regexp.MustCompile(`(://[^/\s:@]+:)[^/\s@]+@`)
	reFlagEq   = regexp.MustCompile(`^(--?[A-Za-z-]+)=(.+)$`)
)

// Redact removes secrets from a shell command before it leaves the machine.
// The command is parsed as bash. Then each of these is replaced:
//
//	$VAR / ${VAR} expansions    -> $REDACTED (safe and special names kept)
//	VAR=value assignments       -> VAR=***  (safe names kept)
//	--password=x, --token x     -> --password=***, --token ***
//	tokens, bearer credentials, passwords in URLs -> ***
//
// Commands that do not parse fall back to pattern matching.
func Redact(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: Redacted}}
			}
		case *syntax.CallExpr:
			redactFlagArgs(n.Args)
		case *syntax.Lit:
			n.Value = scrubText(n.Value)
		case *syntax.SglQuoted:
			n.Value = scrubText(n.Value)
		}
		return true
	})

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// RedactAll applies Redact to each command.
func RedactAll(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = Redact(cmd)
	}
	return out
}

// redactFlagArgs blanks the word after a bare secret flag and the value of
// a "--flag=value" secret flag.
func redactFlagArgs(args []*syntax.Word) {
	for i, arg := range args {
		lit := arg.Lit()
		if lit == "" {
			continue
		}
		if m := reFlagEq.FindStringSubmatch(lit); m != nil && secretFlags[m[1]] {
			arg.Parts = []syntax.WordPart{&syntax.Lit{Value: m[1] + "=" + Redacted}}
			continue
		}
		if secretFlags[lit] && i+1 < len(args) {
			args[i+1].Parts = []syntax.WordPart{&syntax.Lit{Value: Redacted}}
		}
	}
}

// scrubText replaces credentials that appear inside literal text.
func scrubText(s string) string {
	s = reToken.ReplaceAllString(s, Redacted)
	s = reBearer.ReplaceAllString(s, "${1} "+Redacted)
	s = reURLCreds.ReplaceAllString(s, "${1}"+Redacted+"@")
	return s
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`(^|\s)([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
	reWord      = regexp.MustCompile(`\S+`)
)

// regexRedact is the fallback for commands the parser rejects.
func regexRedact(cmd string) string {
	cmd = reBraceVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})
	cmd = reSimpleVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})
	cmd = reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		parts := reAssign.FindStringSubmatch(m)
		if safeVars[parts[2]] {
			return m
		}
		return parts[1] + parts[2] + "=" + Redacted
	})
	return scrubText(redactFlagWords(cmd))
}

// redactFlagWords is redactFlagArgs for unparsed text. Whitespace between
// words is kept as written.
func redactFlagWords(cmd string) string {
	var b strings.Builder
	last := 0
	redactNext := false
	for _, loc := range reWord.FindAllStringIndex(cmd, -1) {
		b.WriteString(cmd[last:loc[0]])
		w := cmd[loc[0]:loc[1]]
		switch {
		case redactNext:
			w = Redacted
			redactNext = false
		case secretFlags[w]:
			redactNext = true
		default:
			if m := reFlagEq.FindStringSubmatch(w); m != nil && secretFlags[m[1]] {
				w = m[1] + "=" + Redacted
			}
		}
		b.WriteString(w)
		last = loc[1]
	}
	b.WriteString(cmd[last:])
	return b.String()
}
