// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names for the runs at the given paths, using only the path
// components that tell them apart. A single path is named by its last component.
func MinimalUniquePaths(paths ...string) []string {
	parts := make([][]string, len(paths))
	for ii, path := range paths {
		parts[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	names := make([]string, len(paths))
	for ii, components := range parts {
		var differ []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(differ, k) {
					differ = append(differ, k)
				}
			}
		}
		slices.Sort(differ)
		switch len(differ) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[differ[0]]
		default:
			names[ii] = components[differ[0]] + "..." + components[differ[len(differ)-1]]
		}
	}
	return names
}
