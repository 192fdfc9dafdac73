package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/pkg/models"
)

// RegisterBuiltins installs the built-in tool set. workDir roots the
// filesystem tools; empty disables them.
func RegisterBuiltins(r *Registry, workDir string) error {
	if err := r.Register(echoDescriptor, echoHandler); err != nil {
		return err
	}
	if err := r.Register(clockDescriptor, clockHandler); err != nil {
		return err
	}
	if workDir != "" {
		if err := r.Register(listDirectoryDescriptor, listDirectoryHandler(workDir)); err != nil {
			return err
		}
	}
	return nil
}

var echoDescriptor = models.ToolDescriptor{
	Name:        "echo",
	Version:     "1.0.0",
	Description: "Returns the given text unchanged. Useful for testing the tool path.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`),
	Category:         "utility",
	Risk:             models.RiskLow,
	Idempotent:       true,
	AllowByDefault:   true,
	ConcurrencyClass: "compute",
}

func echoHandler(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	return args.Text, nil
}

var clockDescriptor = models.ToolDescriptor{
	Name:        "clock",
	Version:     "1.0.0",
	Description: "Returns the current time, optionally in a named IANA timezone.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"timezone": {"type": "string"}},
		"additionalProperties": false
	}`),
	Category:         "utility",
	Risk:             models.RiskLow,
	Idempotent:       true,
	AllowByDefault:   true,
	ConcurrencyClass: "compute",
}

func clockHandler(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	now := time.Now()
	if args.Timezone != "" {
		loc, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", args.Timezone)
		}
		now = now.In(loc)
	}
	return now.Format(time.RFC1123), nil
}

var listDirectoryDescriptor = models.ToolDescriptor{
	Name:        "list_directory",
	Version:     "1.0.0",
	Description: "Lists the entries of a directory under the agent workspace.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"additionalProperties": false
	}`),
	Category:         "filesystem",
	Risk:             models.RiskMedium,
	Idempotent:       true,
	AllowByDefault:   true,
	ConcurrencyClass: "io",
}

func listDirectoryHandler(workDir string) Handler {
	root, _ := filepath.Abs(workDir)
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}

		target := filepath.Join(root, filepath.Clean("/"+args.Path))
		if !strings.HasPrefix(target, root) {
			return "", fmt.Errorf("path escapes workspace")
		}

		entries, err := os.ReadDir(target)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, e := range entries {
			if e.IsDir() {
				fmt.Fprintf(&b, "%s/\n", e.Name())
			} else {
				fmt.Fprintf(&b, "%s\n", e.Name())
			}
		}
		if b.Len() == 0 {
			return "(empty)", nil
		}
		return b.String(), nil
	}
}
