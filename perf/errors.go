package perf

import "errors"

var (
	ErrTraceStartedBefore    = errors.New("trace was started before")
	ErrTraceNotRunning       = errors.New("trace is not running")
	ErrNonPositiveStartTime  = errors.New("trace start time should be positive")
	ErrNonPositiveDuration   = errors.New("trace duration should be positive")
	ErrInvalidTraceName      = errors.New("trace name is invalid")
	ErrInvalidAttributeName  = errors.New("attribute name is invalid")
	ErrInvalidAttributeValue = errors.New("attribute value is invalid")
	ErrMaxAttributesExceeded = errors.New("too many custom attributes")
	ErrInvalidMetricName     = errors.New("custom metric name is invalid")
	ErrMissingAppID          = errors.New("app id is required")
	ErrMeasureNotFound       = errors.New("user timing measure not found")
)
