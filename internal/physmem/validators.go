package physmem

import (
	"github.com/cherts/physmem/internal/page"
	"github.com/cherts/physmem/internal/validators"
	"github.com/go-playground/validator/v10"
)

// newValidator returns a validator with the physmem custom validations
// registered.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation(validators.IntervalValidator, validators.IntervalValidatorFunc)
	_ = v.RegisterValidation(validators.PageAlignedValidator, validators.PageAlignedValidatorFunc)
	_ = v.RegisterValidation(validators.RegularFileValidator, validators.RegularFileValidatorFunc)
	return v
}

func pageAddr(v uint64) page.Paddr {
	return page.Paddr(v)
}
