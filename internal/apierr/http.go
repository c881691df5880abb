package apierr

import "github.com/gin-gonic/gin"

// Body is the standardized JSON error response shape, matching the
// teacher's APIError{Error, Details} used for every non-2xx response.
type Body struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func bodyOf(err *Error) Body {
	return Body{Error: err.Message, Details: err.Details}
}

// Abort writes the appropriate status code and JSON body for err and
// aborts the gin context. If err is not an *Error it is treated as
// Internal.
func Abort(c *gin.Context, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = New(Internal, err.Error(), err)
	}
	c.AbortWithStatusJSON(apiErr.Kind.httpStatus(), bodyOf(apiErr))
}

// AbortWithValidation sends a 400 response and aborts the request.
func AbortWithValidation(c *gin.Context, message string, details map[string]interface{}) {
	Abort(c, New(Validation, message, nil).WithDetails(details))
}

// AbortWithNotFound sends a 404 response and aborts the request.
func AbortWithNotFound(c *gin.Context, message string, details map[string]interface{}) {
	Abort(c, New(NotFound, message, nil).WithDetails(details))
}

// AbortWithConflict sends a 409 response and aborts the request.
func AbortWithConflict(c *gin.Context, message string, details map[string]interface{}) {
	Abort(c, New(Conflict, message, nil).WithDetails(details))
}

// AbortWithInternal sends a 500 response and aborts the request.
func AbortWithInternal(c *gin.Context, message string, cause error) {
	Abort(c, New(Internal, message, cause))
}

// AbortWithTimeout sends a 504 response and aborts the request.
func AbortWithTimeout(c *gin.Context, message string, cause error) {
	Abort(c, New(Timeout, message, cause))
}
