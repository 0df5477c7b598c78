package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names rather than Go field names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid JSON body: %v", err), nil)
	}
	return nil
}

// Validate runs struct tag validation and converts failures into a
// field-level apperr.Validation error.
func Validate(v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(err.Error(), nil)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeFieldError(fe)
	}
	return apperr.Validation("", fields)
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// DecodeAndValidate parses the JSON body into dest and validates it.
func DecodeAndValidate(r *http.Request, dest interface{}) error {
	if err := ParseJSON(r, dest); err != nil {
		return err
	}
	return Validate(dest)
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, apperr.FieldError(key, "is required")
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, apperr.FieldError(key, "must be a positive integer")
	}
	return val, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, apperr.FieldError(key, "must be an integer")
	}
	return val, nil
}

// ParseQueryInt64 extracts an optional int64 query parameter; 0 means absent.
func ParseQueryInt64(r *http.Request, key string) (int64, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return 0, nil
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, apperr.FieldError(key, "must be an integer")
	}
	return val, nil
}

// Page holds limit/offset pagination.
type Page struct {
	Limit  int
	Offset int
}

// ParsePage reads limit and offset, clamping limit to a sane maximum.
func ParsePage(r *http.Request) (Page, error) {
	limit, err := ParseQueryInt(r, "limit", defaultPageLimit)
	if err != nil {
		return Page{}, err
	}
	offset, err := ParseQueryInt(r, "offset", 0)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}, nil
}

// ClientIP returns the caller's address. Forwarding headers are honoured only
// when the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
