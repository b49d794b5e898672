package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type memberInput struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone" validate:"omitempty,max=32"`
	Address string `json:"address" validate:"omitempty,max=500"`
}

type savingsInput struct {
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	Type          string          `json:"type" validate:"required,oneof=deposit withdrawal"`
	PaymentMethod string          `json:"payment_method" validate:"omitempty,max=50"`
	Description   string          `json:"description" validate:"omitempty,max=500"`
}

type loanInput struct {
	Principal    decimal.Decimal `json:"amount" validate:"gt=0"`
	InterestRate decimal.Decimal `json:"interest_rate" validate:"gte=0"`
	Purpose      string          `json:"purpose" validate:"omitempty,max=500"`
}

type paymentInput struct {
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	PaymentMethod string          `json:"payment_method" validate:"omitempty,max=50"`
	Description   string          `json:"description" validate:"omitempty,max=500"`
}

type expenseInput struct {
	Description string          `json:"description" validate:"required,max=500"`
	Category    string          `json:"category" validate:"omitempty,max=100"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
}

// NewValidator returns a validator that understands decimal amounts and
// reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// check runs struct validation and converts the result into ValidationErrors.
func (l *Ledger) check(in any) error {
	err := l.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return fmt.Sprintf("failed on '%s' tag", fe.Tag())
	}
}
