package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestCurrentUsesBuildInfoFallback(t *testing.T) {
	prev := readBuildInfo
	t.Cleanup(func() { readBuildInfo = prev })
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}

	info := Current()
	if info.Version != "v0.3.1" {
		t.Fatalf("unexpected version: %q", info.Version)
	}
	if got := info.String(); got != "v0.3.1+0123456789ab+dirty" {
		t.Fatalf("unexpected string: %q", got)
	}
	if !strings.Contains(Detailed(), "Built: 2026-01-02T03:04:05Z") {
		t.Fatalf("expected build date in detailed output: %q", Detailed())
	}
	if UserAgent() != "chatgate/v0.3.1" {
		t.Fatalf("unexpected user agent: %q", UserAgent())
	}
}

func TestCurrentWithoutBuildInfo(t *testing.T) {
	prev := readBuildInfo
	t.Cleanup(func() { readBuildInfo = prev })
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }

	if got := String(); got != "dev" {
		t.Fatalf("unexpected version string: %q", got)
	}
}
