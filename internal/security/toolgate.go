package security

import (
	"context"

	"github.com/stratumlabs/stratum/internal/config"
)

// ToolGate rejects tool calls by name. With a non-empty allowlist the gate
// runs in allowlist mode and everything not listed is rejected; otherwise the
// blocklist applies.
type ToolGate struct {
	blocklist map[string]struct{}
	allowlist map[string]struct{}
}

func NewToolGate(cfg config.ToolPolicyConfig) *ToolGate {
	g := &ToolGate{
		blocklist: make(map[string]struct{}, len(cfg.Blocklist)),
	}
	for _, name := range cfg.Blocklist {
		g.blocklist[name] = struct{}{}
	}
	if len(cfg.Allowlist) > 0 {
		g.allowlist = make(map[string]struct{}, len(cfg.Allowlist))
		for _, name := range cfg.Allowlist {
			g.allowlist[name] = struct{}{}
		}
	}
	return g
}

func (g *ToolGate) Name() string { return "tool_gate" }

func (g *ToolGate) Check(ctx context.Context, req *ToolRequest) error {
	name := req.Call.Name
	if g.allowlist != nil {
		if _, ok := g.allowlist[name]; !ok {
			return &BlockError{Filter: g.Name(), Reason: "tool not on allowlist: " + name}
		}
		return nil
	}
	if _, ok := g.blocklist[name]; ok {
		return &BlockError{Filter: g.Name(), Reason: "tool is blocklisted: " + name}
	}
	return nil
}
