// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package defaults

import (
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OverrideFromFile loads the configuration file at path, and sets the arguments that are not yet set
// with its values. Arguments already set (e.g. from the command line) take precedence.
//
// Files ending in ".yaml" or ".yml" are parsed as YAML, anything else as JSON.
func OverrideFromFile(args *Args, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		parser = json.Parser()
	}
	// Keys are flat, so use a delimiter that never shows up in option names.
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return errors.Wrapf(err, "loading configuration from %q", path)
	}
	count := 0
	for key, value := range k.All() {
		if args.IsSet(key) {
			continue
		}
		args.Set(key, value)
		count++
	}
	klog.V(1).Infof("%d arguments set from %q", count, path)
	return nil
}
