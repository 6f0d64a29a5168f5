package backend

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// systemLibraryDirs are searched after the caller's hints and LD_LIBRARY_PATH.
var systemLibraryDirs = []string{
	"/vendor/lib64",
	"/system/vendor/lib64",
	"/system/lib64",
	"/usr/local/cuda/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/usr/lib64",
	"/usr/local/lib",
	"/usr/lib",
}

// FindAccelerator looks for an optional acceleration runtime library.
// names are glob patterns (e.g. "libOpenCL*.so"); an absolute name is checked
// as-is. hintDirs are searched first. It returns the first match.
func FindAccelerator(names []string, hintDirs ...string) (string, bool) {
	if len(names) == 0 {
		return "", false
	}
	dirs := libraryDirs(hintDirs)
	for _, name := range names {
		if filepath.IsAbs(name) {
			if fileExists(name) {
				return name, true
			}
			continue
		}
		for _, dir := range dirs {
			matches, _ := filepath.Glob(filepath.Join(dir, name))
			for _, m := range matches {
				if fileExists(m) {
					return m, true
				}
			}
		}
	}
	return "", false
}

// Available returns a comma-separated list of accelerator policies usable on
// this host for the given session.
func Available(s Session, hintDirs ...string) string {
	entries := []string{CPU}
	if s != nil {
		if _, ok := FindAccelerator(s.AcceleratorLibraries(), hintDirs...); ok {
			entries = append(entries, GPU)
		}
	}
	return strings.Join(entries, ",")
}

// CPUThreads is the thread count used for CPU compilation:
// the hardware concurrency capped at 4, and never below 2.
func CPUThreads() int {
	return clampThreads(runtime.NumCPU())
}

func clampThreads(n int) int {
	switch {
	case n <= 2:
		return 2
	case n > 4:
		return 4
	default:
		return n
	}
}

func libraryDirs(hints []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	for _, d := range hints {
		add(d)
	}
	for _, d := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		add(d)
	}
	for _, d := range systemLibraryDirs {
		add(d)
	}
	return dirs
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
