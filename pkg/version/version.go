// Package version reports build metadata for resource-slot binaries.
//
// Values are injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/sandboxrunner/resource-slot/pkg/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Name is the program name reported in version output
const Name = "resource-slot"

// These variables are set via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata of the running binary
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build metadata. A binary built without -ldflags falls
// back to the module version recorded by the Go toolchain.
func Get() Info {
	info := Info{
		Name:      Name,
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if info.Version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}

	return info
}

// String returns a one-line summary suitable for --version output
func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", i.Name, i.Version, i.GitCommit, i.BuildTime)
}

// Print writes the multi-line version report
func (i Info) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\nVersion: %s\nBuilt: %s\nGit commit: %s\nGo version: %s\nPlatform: %s\n",
		i.Name, i.Version, i.BuildTime, i.GitCommit, i.GoVersion, i.Platform)
	return err
}
