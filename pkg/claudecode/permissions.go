package claudecode

import (
	"strings"

	"github.com/pkg/errors"
)

// PermissionMode selects how the agent handles tool permission prompts. The
// set is closed; anything else is rejected up front rather than passed through
// to the CLI.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

func (m PermissionMode) Validate() error {
	switch m {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return nil
	}
	return errors.Errorf("invalid permission mode %q", string(m))
}

// ToolPolicy restricts which tools the agent may invoke. An empty Allowed
// list means no restriction.
type ToolPolicy struct {
	Allowed []string
}

// Allows reports whether the policy permits the named tool.
func (p ToolPolicy) Allows(name string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	for _, t := range p.Allowed {
		if t == name {
			return true
		}
	}
	return false
}

// FlagValue renders the policy for the CLI's --allowedTools flag. Empty when
// unrestricted.
func (p ToolPolicy) FlagValue() string {
	return strings.Join(p.Allowed, ",")
}
