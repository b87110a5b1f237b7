package main

import "github.com/chengis/chengis/internal/cherrors"

// exitCodeFor maps a boot/run failure to spec.md §6's CLI exit code
// contract: 0 success, 1 command error, 2 configuration error, 3 database
// error. The agent process has no database of its own, but a master it
// cannot reach surfaces as an agent-unavailable error, which still falls
// under the generic command-error code.
func exitCodeFor(err error) int {
	switch cherrors.CodeOf(err) {
	case cherrors.CodeValidation:
		return 2
	case cherrors.CodeStorageContention:
		return 3
	default:
		return 1
	}
}
