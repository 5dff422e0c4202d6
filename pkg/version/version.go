package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const Component = "chatgate"

// Set at build time, e.g.
// -ldflags "-X github.com/lkarlslund/chatgate/pkg/version.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

var readBuildInfo = debug.ReadBuildInfo

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += "+" + shortCommit(i.Commit)
	}
	if i.Dirty {
		out += "+dirty"
	}
	return out
}

func String() string {
	return Current().String()
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s", Component, v)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent is sent on requests chatgate originates itself.
func UserAgent() string {
	return Component + "/" + Current().Version
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
