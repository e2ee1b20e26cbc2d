package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sbsmw/claimproc/internal/errs"
)

// validate is a package-level, concurrency-safe validator instance, extended
// with identifier format checks for national ID, SBS code and facility
// phone. There is no facility ID format check; facility IDs are integers
// covered only by numeric range tags.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	must(v.RegisterValidation("national_id", validateNationalID))
	must(v.RegisterValidation("sbs_code", validateSBSCode))
	must(v.RegisterValidation("facility_phone", validatePhone))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

var (
	nationalIDPattern = regexp.MustCompile(`^[12]\d{9}$`)
	sbsCodePattern    = regexp.MustCompile(`^SBS-[A-Z0-9-]{3,32}$`)
	phonePattern      = regexp.MustCompile(`^\+?9665\d{8}$`)
)

func validateNationalID(fl validator.FieldLevel) bool {
	return nationalIDPattern.MatchString(fl.Field().String())
}

func validateSBSCode(fl validator.FieldLevel) bool {
	return sbsCodePattern.MatchString(fl.Field().String())
}

func validatePhone(fl validator.FieldLevel) bool {
	return phonePattern.MatchString(fl.Field().String())
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	defaultMaxBodyBytes = 1 << 20 // 1 MiB, §6
	defaultMaxDepth     = 10      // §6
)

// Decode reads a JSON request body into dst using the default size and
// depth caps.
func Decode(r *http.Request, dst any) error {
	return DecodeWithLimits(r, dst, defaultMaxBodyBytes, defaultMaxDepth)
}

// DecodeWithLimits reads a JSON request body into dst, enforcing maxBytes
// and maxDepth, disallowing unknown fields, and rejecting trailing data
// after the first JSON value.
func DecodeWithLimits(r *http.Request, dst any, maxBytes int64, maxDepth int) error {
	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("request body is empty")
	}

	if err := checkJSONDepth(raw, maxDepth); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

// checkJSONDepth walks the decoded token stream, rejecting any payload whose
// object/array nesting exceeds maxDepth without fully unmarshalling twice.
func checkJSONDepth(raw []byte, maxDepth int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		switch tok.(type) {
		case json.Delim:
			d := tok.(json.Delim)
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return fmt.Errorf("payload nesting exceeds maximum depth of %d", maxDepth)
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// Validate runs struct-tag validation on v and returns field-level errors.
func Validate(v any) []ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []ValidationError{{Field: "", Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, ValidationError{
			Field:   jsonFieldName(fe),
			Message: fieldErrorMessage(fe),
		})
	}
	return out
}

// DecodeAndValidate decodes a JSON body and validates the result. On
// failure it writes the standard INVALID_INPUT envelope and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := Decode(r, dst); err != nil {
		e := errs.New(errs.InvalidInput, "REQUEST_MALFORMED", err.Error()).FromContext(r.Context())
		RespondTaxonomyError(w, r, e, 0)
		return false
	}

	if fieldErrs := Validate(dst); len(fieldErrs) > 0 {
		RespondValidationError(w, r, fieldErrs)
		return false
	}

	return true
}

// RespondValidationError writes the standard INVALID_INPUT envelope with
// field-level validation errors attached under details.fields.
func RespondValidationError(w http.ResponseWriter, r *http.Request, fieldErrs []ValidationError) {
	e := errs.New(errs.InvalidInput, "REQUEST_VALIDATION_FAILED", "one or more fields failed validation").
		FromContext(r.Context()).
		WithDetails(map[string]any{"fields": fieldErrs})
	RespondTaxonomyError(w, r, e, 0)
}

// jsonFieldName converts the validator's field name to the JSON field name
// (lowercase first segment of the namespace after the struct name).
func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return toSnakeCase(ns)
}

// fieldErrorMessage returns a human-readable message for a field error.
func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "uuid":
		return "must be a valid UUID"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "national_id":
		return "must be a valid 10-digit Saudi national ID"
	case "sbs_code":
		return "must be a valid SBS code"
	case "facility_phone":
		return "must be a valid Saudi phone number"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + 32)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
