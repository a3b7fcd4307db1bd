// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/xmppbridge/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/xmppbridge/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/xmppbridge/pkg/version.date=2026-01-01"
package version

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// String returns a short version: the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// Info is the JSON body served on /version.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the build info.
func Get() Info {
	return Info{Version: String(), Commit: commit, Date: date}
}

// Resource returns the XMPP resource prefix the bridge binds with,
// e.g. "xmppbridge-v0.2.0".
func Resource() string {
	return "xmppbridge-" + String()
}
