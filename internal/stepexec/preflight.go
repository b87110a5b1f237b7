package stepexec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"regexp"

	"github.com/chengis/chengis/internal/cherrors"
)

// PreflightCheck is one tool-policy check an IaC executor consults before
// running a step (spec.md §4.2): command-exists, file-exists, or
// path-contains, kept as free functions since the CI domain doesn't change
// what they check.
type PreflightCheck struct {
	Kind  string // "command_exists" | "file_exists" | "path_contains"
	Arg   string // command name, or file path
	Match string // regex, only used by path_contains
}

// Run executes the check, returning a cherrors.CodePolicyDenied error on
// failure so callers can treat it the same as an explicit policy rejection.
func (c PreflightCheck) Run() error {
	var err error
	switch c.Kind {
	case "command_exists":
		err = checkCommandExists(c.Arg)
	case "file_exists":
		err = checkFileExists(c.Arg)
	case "path_contains":
		err = checkPathContains(c.Arg, c.Match)
	default:
		return cherrors.New(cherrors.CodeValidation, fmt.Sprintf("unknown preflight check kind %q", c.Kind))
	}
	if err != nil {
		return cherrors.Wrap(cherrors.CodePolicyDenied, "preflight check failed", err).WithContext(map[string]interface{}{
			"check": c.Kind,
			"arg":   c.Arg,
		})
	}
	return nil
}

func checkCommandExists(command string) error {
	if command == "" {
		return fmt.Errorf("command name is required")
	}
	if _, err := exec.LookPath(command); err != nil {
		return err
	}
	return nil
}

func checkFileExists(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("path %s does not exist", path)
		}
		return err
	}
	return nil
}

func checkPathContains(path, text string) error {
	if path == "" {
		return fmt.Errorf("file path is required")
	}
	if text == "" {
		return fmt.Errorf("text is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pattern, err := regexp.Compile(text)
	if err != nil {
		return err
	}
	if !pattern.Match(data) {
		return fmt.Errorf("pattern %q not found in %s", text, path)
	}
	return nil
}
