// Package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensure a smooth user experience.
package apierr

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"

	"github.com/snlabs/snpay/build/snlog"
)

// StandardErrorResponse is the JSON body every failed request gets
type StandardErrorResponse struct {
	ErrorField StandardError `json:"error"`
}

// StandardError is the machine readable part of an error response
type StandardError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields"`
}

// FieldError is a per-field validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// apiError pairs a user-safe message with a stable error code. Only
// values of this type are ever rendered to the end user.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if other, ok := err.(apiError); ok {
		return a.code == other.code
	}
	return a.err.Error() == err.Error()
}

var (
	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}
	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}
	// ErrRequestValidationFailed means the request failed field validation
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}
	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
	}
	// ErrMalformedJwt means the given JWT was malformed
	ErrMalformedJwt = apiError{
		err:  errors.New("malformed JWT"),
		code: "ERR_MALFORMED_JWT",
	}
	// ErrInvalidJwtSignature means the JWT signature was invalid
	ErrInvalidJwtSignature = apiError{
		err:  errors.New("invalid JWT signature"),
		code: "ERR_INVALID_JWT_SIGNATURE",
	}
	// ErrExpiredJwt means we were given an expired JWT
	ErrExpiredJwt = apiError{
		err:  errors.New("expired JWT"),
		code: "ERR_EXPIRED_JWT",
	}
	// ErrJwtNotValidYet means the given JWT has a start time set in the future
	ErrJwtNotValidYet = apiError{
		err:  errors.New("JWT is not valid yet"),
		code: "ERR_JWT_NOT_VALID_YET",
	}

	// ErrUnknownAction means no action with the given type exists
	ErrUnknownAction = apiError{
		err:  errors.New("unknown action type"),
		code: "ERR_UNKNOWN_ACTION",
	}
	// ErrInvalidActionArgs means the action arguments failed validation
	ErrInvalidActionArgs = apiError{
		err:  errors.New("invalid action arguments"),
		code: "ERR_INVALID_ACTION_ARGS",
	}
	// ErrUnauthenticatedAction means the action requires an account
	ErrUnauthenticatedAction = apiError{
		err:  errors.New("action requires an account"),
		code: "ERR_UNAUTHENTICATED_ACTION",
	}
	// ErrInsufficientFunds means no payment method could cover the cost
	ErrInsufficientFunds = apiError{
		err:  errors.New("insufficient funds"),
		code: "ERR_INSUFFICIENT_FUNDS",
	}
	// ErrPayInNotFound means the requested payin was not found
	ErrPayInNotFound = apiError{
		err:  errors.New("payin not found"),
		code: "ERR_PAYIN_NOT_FOUND",
	}
	// ErrCannotRetry means the payin is not in a retryable state
	ErrCannotRetry = apiError{
		err:  errors.New("payin cannot be retried"),
		code: "ERR_CANNOT_RETRY",
	}
	// ErrBountyConflict means another attempt already won or is in
	// flight for this bounty
	ErrBountyConflict = apiError{
		err:  errors.New("bounty already paid or payment in progress"),
		code: "ERR_BOUNTY_CONFLICT",
	}
	// ErrProviderUnavailable means the Lightning backend failed or timed
	// out
	ErrProviderUnavailable = apiError{
		err:  errors.New("payment provider unavailable"),
		code: "ERR_PROVIDER_UNAVAILABLE",
	}
	// ErrCostChanged means the price moved between quoting and paying
	ErrCostChanged = apiError{
		err:  errors.New("action cost changed, please retry"),
		code: "ERR_COST_CHANGED",
	}
	// ErrUserNotFound means the requested user was not found
	ErrUserNotFound = apiError{
		err:  errors.New("user not found"),
		code: "ERR_USER_NOT_FOUND",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}
	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}
)

// Public fails the given Gin request with the given error. It sets the
// error type as public, causing it to later be returned to the end user
// with a fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// GetMiddleware returns the error handling middleware: it collects the
// errors handlers attached to the context and renders exactly one
// StandardErrorResponse
func GetMiddleware(log *snlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// -1 doesn't overwrite an already written status
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c)
		response := &StandardErrorResponse{
			ErrorField: StandardError{
				Fields: fieldErrors,
			},
		}

		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = capitalize(errBodyRequired.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = capitalize(errInvalidJson.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

func handleValidationErrors(c *gin.Context) []FieldError {
	fieldErrors := []FieldError{}
	for _, err := range c.Errors {
		var validationErrors validator.ValidationErrors
		if !errors.As(err.Err, &validationErrors) {
			continue
		}
		for _, fieldErr := range validationErrors {
			fieldErrors = append(fieldErrors, FieldError{
				Field:   decapitalize(fieldErr.Field),
				Message: validationMessage(fieldErr),
				Code:    fieldErr.Tag,
			})
		}
	}
	return fieldErrors
}

func validationMessage(err *validator.FieldError) string {
	switch err.Tag {
	case "required":
		return decapitalize(err.Field) + " is required"
	case "gt":
		return decapitalize(err.Field) + " must be greater than " + err.Param
	case "gte":
		return decapitalize(err.Field) + " must be greater than or equal " + err.Param
	default:
		return decapitalize(err.Field) + " failed validation: " + err.Tag
	}
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return str
	}
	runes := []rune(str)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return str
	}
	runes := []rune(str)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
