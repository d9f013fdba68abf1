package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/memohai/all4one/internal/version.Version=...".
var (
	Version   = "0.4.0"
	CommitID  = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	CommitID  string `json:"commit_id"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		CommitID:  CommitID,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// GetInfo returns a one-line description used in startup banners.
func GetInfo() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, CommitID, BuildTime, runtime.Version())
}

// UserAgent is sent on every outbound webhook and reverse websocket request.
func UserAgent() string {
	return "OneBot4All all4one/" + Version
}
