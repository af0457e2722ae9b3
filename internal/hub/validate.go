package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"docsync/internal/models"
)

const maxDocumentIDLength = 128

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("docid", func(fl validator.FieldLevel) bool {
		return validDocumentID(fl.Field().String())
	})

	v.RegisterStructValidation(func(sl validator.StructLevel) {
		op := sl.Current().Interface().(models.DeltaOp)
		set := 0
		if len(op.Insert) > 0 && !bytes.Equal(op.Insert, []byte("null")) {
			set++
		}
		if op.Retain != nil {
			set++
		}
		if op.Delete != nil {
			set++
		}
		if set != 1 {
			sl.ReportError(op.Insert, "insert", "Insert", "oneop", "")
		}
	}, models.DeltaOp{})

	return v
}

func validDocumentID(id string) bool {
	if id == "" || len(id) > maxDocumentIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return false
		}
	}
	return true
}

// decode unmarshals data into v and validates it. Failures are
// VALIDATION_ERROR with per-field details.
func (h *Hub) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewError(models.CodeValidation, "invalid payload").WithDetails(map[string]any{
			"body": err.Error(),
		})
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return models.NewError(models.CodeValidation, err.Error())
		}
		details := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			details[fieldPath(fe)] = fe.Tag()
		}
		return models.NewError(models.CodeValidation, "payload failed validation").WithDetails(details)
	}
	return nil
}

// fieldPath drops the top-level struct name from a namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// checkSizes enforces the content and title ceilings.
func (h *Hub) checkSizes(content, title string) error {
	details := map[string]any{}
	if len(content) > h.cfg.MaxContentBytes {
		details["content"] = "max"
	}
	if utf8.RuneCountInString(title) > h.cfg.MaxTitleLength {
		details["title"] = "max"
	}
	if len(details) == 0 {
		return nil
	}
	return models.NewError(models.CodeValidation, "payload exceeds size limits").WithDetails(details)
}
