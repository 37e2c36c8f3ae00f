package pathutil

import "strings"

// TrimQuery drops the query string and fragment from a page URL.
func TrimQuery(raw string) string {
	value := strings.TrimSpace(raw)
	if idx := strings.IndexAny(value, "?#"); idx >= 0 {
		value = value[:idx]
	}
	return value
}

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// PageRoute returns the normalized path of a page URL, or the URL itself
// (without query) when it has no scheme.
func PageRoute(raw string) string {
	value := TrimQuery(raw)
	if value == "" {
		return ""
	}
	if idx := strings.Index(value, "://"); idx >= 0 {
		rest := value[idx+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return "/"
		}
		return NormalizePrefix(rest[slash:])
	}
	return NormalizePrefix(value)
}
