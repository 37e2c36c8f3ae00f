package perf

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxTraceNameLength          = 100
	MaxAttributeNameLength      = 40
	MaxAttributeValueLength     = 100
	MaxCustomAttributes         = 5
	MaxMetricNameLength         = 100
	reservedAutoPrefix          = "_"
	pageLoadTracePrefix         = "_wt_"
	firstPaintMetricName        = "_fp"
	firstContentfulPaintMetric  = "_fcp"
	firstInputDelayMetricName   = "_fid"
	domInteractiveMetric        = "domInteractive"
	domContentLoadedMetric      = "domContentLoadedEventEnd"
	loadEventEndMetric          = "loadEventEnd"
	firstPaintEntryName         = "first-paint"
	firstContentfulPaintEntry   = "first-contentful-paint"
	traceStartMarkPrefix        = "FB-PERF-TRACE-START"
	traceStopMarkPrefix         = "FB-PERF-TRACE-STOP"
	traceMeasurePrefix          = "FB-PERF-TRACE-MEASURE"
	traceRandomIDUpperBoundExcl = 1000000
)

var (
	attributeNamePattern      = regexp.MustCompile(`^[a-zA-Z]\w*$`)
	reservedAttributePrefixes = []string{"firebase_", "google_", "ga_"}
	pageLoadMetricNames       = []string{firstPaintMetricName, firstContentfulPaintMetric, firstInputDelayMetricName}
)

// ValidateTraceName checks a custom trace name. Names starting with an
// underscore are reserved for automatically collected traces.
func ValidateTraceName(name string) error {
	if name == "" || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidTraceName, name)
	}
	if len(name) > MaxTraceNameLength || strings.HasPrefix(name, reservedAutoPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidTraceName, name)
	}
	return nil
}

func isValidAttributeName(name string) bool {
	if len(name) == 0 || len(name) > MaxAttributeNameLength {
		return false
	}
	for _, prefix := range reservedAttributePrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return attributeNamePattern.MatchString(name)
}

func isValidAttributeValue(value string) bool {
	return len(value) != 0 && len(value) <= MaxAttributeValueLength
}

func validateAttribute(name, value string) error {
	if !isValidAttributeName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidAttributeName, name)
	}
	if !isValidAttributeValue(value) {
		return fmt.Errorf("%w: %q", ErrInvalidAttributeValue, value)
	}
	return nil
}

// isValidMetricName allows the reserved page-load metrics only on page-load traces.
func isValidMetricName(name, traceName string) bool {
	if len(name) == 0 || len(name) > MaxMetricNameLength {
		return false
	}
	if strings.HasPrefix(traceName, pageLoadTracePrefix) {
		for _, reserved := range pageLoadMetricNames {
			if name == reserved {
				return true
			}
		}
	}
	return !strings.HasPrefix(name, reservedAutoPrefix)
}
