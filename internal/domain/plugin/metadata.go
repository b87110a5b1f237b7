package plugin

import "fmt"

// Metadata describes a registered step executor's identity, version, and
// init-order dependencies (e.g. the terraform executor depending on a
// registered policy collaborator being initialized first).
type Metadata struct {
	ID           string
	Name         string
	Version      string
	Type         Type
	Description  string
	Dependencies []string
	APIVersion   string
}

// Validate ensures metadata values satisfy the registry's invariants.
func (m Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("executor id is required")
	}
	if m.Type == "" || !IsSupportedType(m.Type) {
		return fmt.Errorf("unsupported executor type %q", m.Type)
	}
	if m.Name == "" {
		return fmt.Errorf("executor name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("executor version is required")
	}
	return nil
}
