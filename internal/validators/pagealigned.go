package validators

import (
	"github.com/go-playground/validator/v10"
)

// pageSize mirrors the manager's page size; alignment validation must
// not depend on the allocator packages.
const pageSize = 4096

// PageAlignedValidatorFunc validates that a numeric field is a multiple of the page size.
//
// Parameters:
//   - fl: FieldLevel containing the field to validate
//
// Returns:
//   - bool: true if the field is page aligned, false otherwise
func PageAlignedValidatorFunc(fl validator.FieldLevel) bool {
	return fl.Field().Uint()%pageSize == 0
}
