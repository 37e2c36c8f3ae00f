// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"strings"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String is the human readable build line printed by "perfmon version".
func String() string {
	return fmt.Sprintf("perfmon %s (%s, %s)", Version, Commit, Date)
}

// SDKVersion is the value reported as web_app_info.sdk_version in logged
// traces. Release builds drop the leading "v" of their tag.
func SDKVersion() string {
	v := strings.TrimPrefix(strings.TrimSpace(Version), "v")
	if v == "" {
		return "dev"
	}
	return v
}
