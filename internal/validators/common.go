// Package validators provides custom validation functions for use with the go-playground/validator package.
// It includes validators for patterns used in the physmem configuration, such as:
//
// - Time interval validation
// - Page alignment validation
// - Regular file path validation
//
// These validators are designed to be registered with validator.v10 and used in struct field tags
// to enforce specific format requirements and constraints.
package validators

const (
	// IntervalValidator is the tag name used for time interval validation
	IntervalValidator = "interval"
	// PageAlignedValidator is the tag name used for page alignment validation
	PageAlignedValidator = "page_aligned"
	// RegularFileValidator is the tag name used for regular file validation
	RegularFileValidator = "regular_file"
)
