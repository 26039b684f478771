// ABOUTME: Role manifest loading: maps agent roles to their permitted tool names
// ABOUTME: Loaded from TOML at startup; the scoped gateway enforces the allow-lists

package roles

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// ErrUnknownRole is returned when an agent is bound to a role the
// manifest does not define.
var ErrUnknownRole = errors.New("unknown role")

// Manifest maps role names to the tool names that role may call.
// Tool access is deny-by-default: a tool absent from a role's list is
// forbidden for agents in that role.
type Manifest struct {
	Roles map[string][]string `toml:"roles"`
}

// Load reads a role manifest from a TOML file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}

	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("parsing roles file: %w", err)
	}
	if len(m.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}
	return &m, nil
}

// Default returns the built-in manifest used when no roles file is
// configured: the standard research crew with least-privilege tool sets.
func Default() *Manifest {
	return &Manifest{
		Roles: map[string][]string{
			"researcher": {
				"append_note", "list_notes", "read_section", "list_sections",
				"add_question",
			},
			"analyst": {
				"append_note", "list_notes", "read_section", "write_section",
				"list_sections", "add_question",
			},
			"writer": {
				"list_notes", "read_section", "write_section", "list_sections",
				"render_section",
			},
			"coordinator": {
				"append_note", "list_notes", "read_section", "list_sections",
				"add_task", "update_task_status", "add_question",
			},
		},
	}
}

// Allowed returns the tool allow-list for a role. The returned slice is a
// sorted copy; mutating it does not affect the manifest.
func (m *Manifest) Allowed(role string) ([]string, error) {
	tools, ok := m.Roles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	out := make([]string, len(tools))
	copy(out, tools)
	sort.Strings(out)
	return out, nil
}

// Permits reports whether a role may call the named tool.
func (m *Manifest) Permits(role, tool string) bool {
	for _, t := range m.Roles[role] {
		if t == tool {
			return true
		}
	}
	return false
}
