// Package version holds build-time version info injected via ldflags.
//
//	go build -ldflags "-X github.com/NicolasHaas/chatline/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/chatline/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/chatline/pkg/version.date=2026-01-01"
package version

// Populated by -ldflags "-X ...".
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a shorter fallback.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// LogAttrs returns the build info as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", String(), "commit", commit, "built", date}
}
