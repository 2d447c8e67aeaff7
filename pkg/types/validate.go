package types

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags and the knob invariants of v.
// It is applied wherever records cross the process boundary.
func Validate(v any) error {
	if err := validatorInstance().Struct(v); err != nil {
		return fmt.Errorf("invalid %T: %w", v, err)
	}

	switch t := v.(type) {
	case *KnobState:
		return t.Validate()
	case *TunerState:
		return t.Knob.Validate()
	case *PolicyDefinition:
		if err := t.Knob.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", t.Name, err)
		}
	}
	return nil
}
