package security

import (
	"context"
	"encoding/json"
	"regexp"
)

// toolPolicy binds a set of rejection patterns to the tools it applies to.
type toolPolicy struct {
	tools    map[string]struct{}
	patterns []*regexp.Regexp
	reason   string
}

var shellInjection = []*regexp.Regexp{
	regexp.MustCompile("[;&|`]"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`>\s*/`),
	regexp.MustCompile(`\brm\s+-rf\b`),
}

var pathTraversal = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`(?i)^/etc/`),
	regexp.MustCompile(`(?i)^/proc/`),
	regexp.MustCompile(`(?i)\.ssh/`),
}

var privateURL = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://(localhost|127\.\d+\.\d+\.\d+|0\.0\.0\.0)`),
	regexp.MustCompile(`(?i)https?://10\.\d+\.\d+\.\d+`),
	regexp.MustCompile(`(?i)https?://192\.168\.\d+\.\d+`),
	regexp.MustCompile(`(?i)https?://172\.(1[6-9]|2\d|3[01])\.\d+\.\d+`),
	regexp.MustCompile(`(?i)https?://169\.254\.\d+\.\d+`),
	regexp.MustCompile(`(?i)https?://\[::1\]`),
}

func toolSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// PatternVetter applies regex policies keyed by tool name to the string
// fields of a tool call's input.
type PatternVetter struct {
	policies []toolPolicy
}

func NewPatternVetter() *PatternVetter {
	return &PatternVetter{
		policies: []toolPolicy{
			{
				tools:    toolSet("shell", "exec", "run_command"),
				patterns: shellInjection,
				reason:   "shell injection pattern in input",
			},
			{
				tools:    toolSet("write_file", "read_file", "list_directory", "delete_file"),
				patterns: pathTraversal,
				reason:   "path traversal pattern in input",
			},
			{
				tools:    toolSet("fetch", "http_get", "web_fetch"),
				patterns: privateURL,
				reason:   "private address range in URL",
			},
		},
	}
}

func (v *PatternVetter) Name() string { return "pattern_vetter" }

func (v *PatternVetter) Check(ctx context.Context, req *ToolRequest) error {
	for _, p := range v.policies {
		if _, ok := p.tools[req.Call.Name]; !ok {
			continue
		}
		for _, s := range stringValues(req.Call.Input) {
			for _, re := range p.patterns {
				if re.MatchString(s) {
					return &BlockError{Filter: v.Name(), Reason: p.reason}
				}
			}
		}
	}
	return nil
}

// stringValues extracts every string value from a JSON document, recursing
// through objects and arrays. Undecodable input yields the raw text so the
// scan still sees it.
func stringValues(raw json.RawMessage) []string {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return []string{string(raw)}
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(root)
	return out
}
