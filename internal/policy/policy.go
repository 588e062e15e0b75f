// Package policy implements per-tool permission evaluation. Policies are
// named rules evaluated in registration order; the first non-abstain result
// decides the tool call.
package policy

import (
	"os"
	"path/filepath"
	"strings"
)

// Outcome is one of the three policy verdicts.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeAbstain Outcome = "abstain"
)

// Result is a single policy's verdict on a tool call.
type Result struct {
	Outcome   Outcome
	Reason    string
	Interrupt bool // deny and also interrupt the running turn
}

// Allow is the unconditional permit verdict.
func Allow() Result { return Result{Outcome: OutcomeAllow} }

// Deny refuses the tool call with a reason.
func Deny(reason string) Result { return Result{Outcome: OutcomeDeny, Reason: reason} }

// DenyInterrupt refuses the tool call and interrupts the turn.
func DenyInterrupt(reason string) Result {
	return Result{Outcome: OutcomeDeny, Reason: reason, Interrupt: true}
}

// Abstain defers to the next policy in order.
func Abstain() Result { return Result{Outcome: OutcomeAbstain} }

// Request describes one tool invocation under evaluation.
type Request struct {
	SessionID string
	ToolName  string
	Input     map[string]interface{}
}

// Policy is a named permission rule.
type Policy interface {
	Name() string
	Evaluate(req Request) Result
}

// FileAccessPolicy denies file tools whose target path falls under a
// restricted prefix. Paths are compared after ~ and environment-variable
// expansion.
type FileAccessPolicy struct {
	RestrictedPaths []string
	AllowedPaths    []string
}

var fileTools = map[string]bool{
	"read_file":  true,
	"write_file": true,
	"Read":       true,
	"Write":      true,
	"Edit":       true,
}

func (p *FileAccessPolicy) Name() string { return "file_access" }

func (p *FileAccessPolicy) Evaluate(req Request) Result {
	if !fileTools[req.ToolName] {
		return Abstain()
	}
	target := extractPath(req.Input)
	if target == "" {
		return Abstain()
	}
	expanded := expandPath(target)
	for _, allowed := range p.AllowedPaths {
		if hasPathPrefix(expanded, expandPath(allowed)) {
			return Allow()
		}
	}
	for _, restricted := range p.RestrictedPaths {
		if hasPathPrefix(expanded, expandPath(restricted)) {
			return Deny("path " + target + " is restricted")
		}
	}
	return Allow()
}

func extractPath(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "filename"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(os.ExpandEnv(p))
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// CommandPolicy denies shell tools whose command contains a blocked
// substring.
type CommandPolicy struct {
	BlockedCommands []string
}

var shellTools = map[string]bool{
	"bash": true,
	"Bash": true,
}

func (p *CommandPolicy) Name() string { return "command_policy" }

func (p *CommandPolicy) Evaluate(req Request) Result {
	if !shellTools[req.ToolName] {
		return Abstain()
	}
	command, _ := req.Input["command"].(string)
	for _, blocked := range p.BlockedCommands {
		if blocked != "" && strings.Contains(command, blocked) {
			return Deny("command contains blocked pattern: " + blocked)
		}
	}
	return Abstain()
}

// PermissionModePolicy is the session-wide shorthand: DEFAULT abstains,
// ACCEPT_EDITS allows edit tools, BYPASS allows everything.
type PermissionModePolicy struct {
	Mode string
}

var editTools = map[string]bool{
	"write_file":   true,
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

func (p *PermissionModePolicy) Name() string { return "permission_mode" }

func (p *PermissionModePolicy) Evaluate(req Request) Result {
	switch p.Mode {
	case "bypass":
		return Allow()
	case "accept_edits":
		if editTools[req.ToolName] {
			return Allow()
		}
		return Abstain()
	default:
		return Abstain()
	}
}
