package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates structs by their `validate` tags
//
// 规则由 go-playground/validator 提供，另注册 mac (12 位十六进制，可带冒号，空值跳过)。
// 返回第一个错误，错误信息带上字段路径。
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("mac", validMAC); err != nil {
		panic(err)
	}
	return &Validator{validate: v}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validate expects a struct")
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return err
	}
	fe := fields[0]
	return fmt.Errorf("%s: %s", fieldPath(fe), message(fe))
}

// fieldPath 去掉顶层类型名的字段路径
func fieldPath(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "oneof":
		return "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "min":
		if fe.Kind() == reflect.String {
			return "minimum length is " + fe.Param()
		}
		return "minimum is " + fe.Param()
	case "mac":
		return "invalid MAC address"
	}
	return fmt.Sprintf("failed %s rule", fe.Tag())
}

func validMAC(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return false
	}
	if field.String() == "" {
		return true
	}
	s := strings.ReplaceAll(field.String(), ":", "")
	if len(s) != 12 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
