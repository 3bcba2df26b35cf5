package validators

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// RegularFileValidatorFunc validates that a string path points to a regular file.
// Directories, symlinks and devices are rejected, as are paths that cannot be
// stat'ed; whether the file is readable is not checked.
//
// Parameters:
//   - fl: FieldLevel containing the field to validate
//
// Returns:
//   - bool: true if the path points to a regular file, false otherwise
func RegularFileValidatorFunc(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return false
	}

	info, err := os.Lstat(filepath.Clean(path))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
