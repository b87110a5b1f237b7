package main

import "github.com/chengis/chengis/internal/cherrors"

// exitCodeFor maps a command failure to spec.md §6's CLI exit code
// contract: 0 success, 1 command error, 2 configuration error, 3 database
// error. The client never talks to a database directly; CodeStorageContention
// surfaces here only when the master's own error response reports it, which
// still means "the thing the command ultimately depends on is a database".
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
