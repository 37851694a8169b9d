package awsapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/triage/internal/fanout"
)

var notFoundCodes = map[string]bool{
	"DBInstanceNotFound":        true,
	"DBInstanceNotFoundFault":   true,
	"DBClusterNotFoundFault":    true,
	"ResourceNotFoundException": true,
	"ClusterNotFoundException":  true,
	"ServiceNotFoundException":  true,
}

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"ProvisionedThroughputExceededException": true,
	"LimitExceededException":                 true,
}

var accessDeniedCodes = map[string]bool{
	"AccessDenied":           true,
	"AccessDeniedException":  true,
	"UnauthorizedOperation":  true,
	"NotAuthorizedException": true,
	"ExpiredToken":           true,
	"ExpiredTokenException":  true,
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether the provider says the entity does not exist.
func IsNotFound(err error) bool {
	return err != nil && notFoundCodes[errorCode(err)]
}

// IsThrottle reports whether the provider rejected the call for rate.
func IsThrottle(err error) bool {
	return err != nil && throttleCodes[errorCode(err)]
}

// IsAccessDenied reports an authorization failure.
func IsAccessDenied(err error) bool {
	return err != nil && accessDeniedCodes[errorCode(err)]
}

// Describe turns a provider failure into the short reason string recorded
// on an investigation result.
func Describe(op string, err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fanout.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: timed out: %v", op, err)
	case IsThrottle(err):
		return fmt.Sprintf("%s: throttled: %v", op, err)
	case IsAccessDenied(err):
		return fmt.Sprintf("%s: access denied: %v", op, err)
	default:
		return fmt.Sprintf("%s: %v", op, err)
	}
}
