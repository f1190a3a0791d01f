package control

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// StatusFor maps an error kind to an HTTP status code
func StatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeAlreadyRunning, errors.ErrorTypeAlreadyStopped,
		errors.ErrorTypeInvalidTransition, errors.ErrorTypeDependencyNotSatisfied, errors.ErrorTypeCircularDependency:
		return http.StatusConflict
	case errors.ErrorTypePolicyDenied, errors.ErrorTypePermission:
		return http.StatusForbidden
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *admin) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Errorf("Admin request failed, method: %s, path: %s, error: %v", c.Request.Method, c.FullPath(), err)
	} else {
		a.logger.Debugf("Admin request rejected, method: %s, path: %s, error: %v", c.Request.Method, c.FullPath(), err)
	}

	response := ErrorResponse{Error: err.Error()}
	if kind := errors.KindOf(err); kind != errors.ErrorTypeInternal {
		response.Kind = string(kind)
	}
	response.Context = errors.ContextOf(err)
	c.AbortWithStatusJSON(status, response)
}

func (a *admin) badRequest(c *gin.Context, err error) {
	a.fail(c, errors.NewValidationError("invalid request body", err))
}
