package client

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables whose values are fine to log.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "SHELL": true, "PATH": true,
	"LANG": true, "TERM": true, "HOSTNAME": true, "TMPDIR": true,
	"LC_ALL": true, "LC_CTYPE": true, "TZ": true,
}

// specialParams are shell special parameters that should not be redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// RedactCommand hides variable references and assignment values in a
// shell command before it is logged. Safe variables and special
// parameters are kept.
func RedactCommand(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
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
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
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

// RedactArgv renders an exec argv for logs. A "sh -c script" argv has its
// script redacted as shell and the script's arguments shown by size only;
// other arguments are quoted as-is.
func RedactArgv(argv []string) string {
	parts := make([]string, 0, len(argv))
	script := -1
	for i, arg := range argv {
		switch {
		case i > 0 && argv[i-1] == "-c" && isShell(argv[0]):
			script = i
			parts = append(parts, quote(RedactCommand(arg)))
		case script >= 0 && i > script+1:
			// positional parameters of the script: $1, $2, ...
			parts = append(parts, fmt.Sprintf("<%d bytes>", len(arg)))
		default:
			parts = append(parts, quote(arg))
		}
	}
	return strings.Join(parts, " ")
}

// RedactEnv masks the values of KEY=value entries except safe variables.
func RedactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || safeVars[name] {
			out[i] = kv
			continue
		}
		out[i] = name + "=***"
	}
	return out
}

func isShell(path string) bool {
	switch path[strings.LastIndexByte(path, '/')+1:] {
	case "sh", "bash", "dash", "ash", "zsh":
		return true
	}
	return false
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return s
	}
	return q
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// regexRedact is a fallback for commands that fail to parse.
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
	return reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})
}
