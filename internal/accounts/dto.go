package accounts

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatrelay/pkg/types"
)

// RegisterInput is the body of POST /user/register.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required,min=6"`
	Avatar   string `json:"avatar,omitempty" validate:"omitempty,url"`
}

// LoginInput is the body of POST /user/login.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UpdateInput is the body of PATCH /user/me. Nil fields are left unchanged.
type UpdateInput struct {
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Username *string `json:"username,omitempty" validate:"omitempty,min=3"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=6"`
}

// ForgotPasswordInput is the body of POST /user/forgot-password.
type ForgotPasswordInput struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordInput is the body of POST /user/reset-password/{token}.
type ResetPasswordInput struct {
	NewPassword string `json:"newPassword" validate:"required,min=6"`
}

// RoleInput is the body of PATCH /users/{id}/role.
type RoleInput struct {
	Role types.Role `json:"role" validate:"required,oneof=USER ADMIN"`
}

// DeleteUsersInput is the body of DELETE /users.
type DeleteUsersInput struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,uuid"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a request DTO and reports the first violation as a
// ValidationFailed error with a readable message.
func Validate(in interface{}) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewError(types.KindValidationFailed, types.ReasonInvalidPayload, "Invalid request body", err)
	}
	return types.NewError(types.KindValidationFailed, types.ReasonInvalidPayload, describe(verrs[0]), err)
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	label := strings.ToUpper(field[:1]) + field[1:]
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "email":
		return "Invalid email format"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s item(s)", label, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters long", label, fe.Param())
	case "uuid":
		return fmt.Sprintf("Invalid ID in %s", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", label, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return label + " must be a URL"
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}
