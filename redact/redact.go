// Package redact masks secrets in the document windows sent to a completion backend.
package redact

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that are non-sensitive and useful as model context.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "GOPATH": true, "GOROOT": true,
	"LC_ALL": true, "LC_CTYPE": true,
}

// specialParams are shell special parameters that are never redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)

	// Well-known token shapes (OpenAI style keys, GitHub PATs, AWS access key ids).
	reToken = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,}|gh[pousr]_[A-Za-z0-9]{36,}|AKIA[0-9A-Z]{16})\b`)
)

// Window redacts every line of text that looks like it carries a secret and leaves
// all other lines byte-for-byte untouched, so prose and code windows keep their shape.
func Window(text string) string {
	if text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	changed := false
	for i, line := range lines {
		if !suspicious(line) {
			continue
		}
		red := Line(line)
		if red != line {
			lines[i] = red
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(lines, "\n")
}

func suspicious(line string) bool {
	return strings.ContainsRune(line, '$') || reAssign.MatchString(line) || reToken.MatchString(line)
}

// Line replaces sensitive variable references, assignment values and token-shaped
// literals in a single line. Lines that parse as shell are rewritten through the
// shell AST; anything else falls back to pattern matching. A line with nothing to
// redact is returned unchanged.
func Line(line string) string {
	line = reToken.ReplaceAllString(line, "***")

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return regexRedact(line)
	}

	touched := false
	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				n.Param.Value = "REDACTED"
				touched = true
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
				touched = true
			}
		}
		return true
	})
	if !touched {
		return line
	}

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(line)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// regexRedact is the fallback for lines that fail AST parsing.
func regexRedact(line string) string {
	line = reBraceVar.ReplaceAllStringFunc(line, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})

	line = reSimpleVar.ReplaceAllStringFunc(line, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" { // already handled by the brace pass
			return m
		}
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})

	line = reAssign.ReplaceAllStringFunc(line, func(m string) string {
		parts := reAssign.FindStringSubmatch(m)
		name := parts[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})

	return line
}
