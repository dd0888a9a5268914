// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package version resolves the version identifier recorded with every experiment.
//
// The preferred identifier is the source-control revision of the module, and it falls back to the static
// Version string when no source-control metadata can be found.
package version

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Version is the static version of the module, used when no source-control revision is available.
const Version = "v0.1.0"

// Revision returns the source-control revision of the running binary or of the source tree of this package.
// If neither is available it returns Version.
func Revision() string {
	if rev := buildRevision(); rev != "" {
		return rev
	}
	rev, err := GitRevision(SourceDir())
	if err != nil {
		klog.V(1).Infof("no source-control revision found, using static version %s: %v", Version, err)
		return Version
	}
	return rev
}

// buildRevision reads the "vcs.revision" stamped by the Go toolchain, if any.
func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return revisionFromSettings(info.Settings)
}

// revisionFromSettings returns the bare commit hash of the build settings, uncommitted changes
// ("vcs.modified") are not reflected in it.
func revisionFromSettings(settings []debug.BuildSetting) string {
	for _, setting := range settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

// SourceDir returns the directory holding the source of this package, or "" if unknown.
func SourceDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Dir(file)
}

// GitRevision returns the hash of HEAD of the git repository enclosing dir.
func GitRevision(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("source directory unknown")
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "git rev-parse HEAD in %q", dir)
	}
	rev := strings.TrimSpace(string(out))
	if rev == "" {
		return "", errors.Errorf("git rev-parse HEAD in %q returned nothing", dir)
	}
	return rev, nil
}
