package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

// These tests swap package state and must not run in parallel.

func withBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	prevVersion, prevCommit, prevTime := Version, Commit, BuildTime
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	Version, Commit, BuildTime = "", "", ""
	t.Cleanup(func() {
		readBuildInfo = prev
		Version, Commit, BuildTime = prevVersion, prevCommit, prevTime
	})
}

func TestResolveLdflagsWin(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.9.0"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "deadbeef"}},
	})
	Version, Commit = "v1.2.3", "0123456789abcdef"

	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != "0123456789abcdef" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if got := String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveFromBuildInfo(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "cafe"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	})

	info := Resolve()
	if info.Commit != "cafe" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if info.Version != info.BuildTime {
		t.Fatalf("devel build should fall back to build time, got %q", info.Version)
	}
	if !strings.Contains(info.GoVersion, "go") {
		t.Fatalf("GoVersion = %q", info.GoVersion)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	withBuildInfo(t, nil)

	info := Resolve()
	if info.Version == "" || info.Commit != "" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}
