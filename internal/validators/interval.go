package validators

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// IntervalValidatorFunc validates that a string represents a valid positive time interval.
// The function accepts both Go duration strings (e.g., "30s", "1m") and integer seconds.
//
// Parameters:
//   - fl: FieldLevel containing the field to validate
//
// Returns:
//   - bool: true if the field represents a positive time interval, false otherwise
func IntervalValidatorFunc(fl validator.FieldLevel) bool {
	intervalStr := fl.Field().String()

	if intervalStr == "" {
		return false
	}

	duration, err := time.ParseDuration(intervalStr)
	if err != nil {
		if seconds, err := strconv.Atoi(intervalStr); err == nil {
			return seconds > 0
		}
		return false
	}

	return duration > 0
}
