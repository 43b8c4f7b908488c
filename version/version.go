// Package version provides build-time version information for meshd.
//
// Values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/meshpay/meshd/version.Version=1.0.0 -X github.com/meshpay/meshd/version.GitCommit=$(git rev-parse --short HEAD)"
package version

// Version is the software version.
var Version = "dev"

// GitCommit is the short git commit hash.
var GitCommit = ""

// BuildTime is when the binary was built, in RFC 3339.
var BuildTime = ""

// Full returns the version string including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// LogAttrs returns the build information as slog key/value pairs.
func LogAttrs() []any {
	attrs := []any{"version", Version}
	if GitCommit != "" {
		attrs = append(attrs, "commit", GitCommit)
	}
	if BuildTime != "" {
		attrs = append(attrs, "built", BuildTime)
	}
	return attrs
}
