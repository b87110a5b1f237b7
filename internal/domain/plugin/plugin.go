// Package plugin describes the identity of a registered step executor: its
// kind, version, and declared dependencies. It is intentionally separate
// from internal/domain/pipeline (which models what a pipeline asks for) so
// the Step Executor Registry can validate and order executors without the
// pipeline definition package needing to know about registration concerns.
package plugin

// Type identifies a step executor kind. Values line up with
// internal/domain/pipeline.StepType.
type Type string

const (
	TypeShell          Type = "shell"
	TypeDocker         Type = "docker"
	TypeDockerCompose  Type = "docker-compose"
	TypeTerraform      Type = "terraform"
	TypePulumi         Type = "pulumi"
	TypeCloudFormation Type = "cloudformation"
)

var supportedTypes = []Type{
	TypeShell,
	TypeDocker,
	TypeDockerCompose,
	TypeTerraform,
	TypePulumi,
	TypeCloudFormation,
}

// IsSupportedType reports whether t is a recognised step executor kind.
func IsSupportedType(t Type) bool {
	for _, candidate := range supportedTypes {
		if candidate == t {
			return true
		}
	}
	return false
}
