// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the environment assembly handed to launched tasks so
// runtimes can bind to the devices they were allocated.

import (
	"strconv"
	"strings"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/discover"
)

// DeviceIndices renders the allocated device indices as a comma separated
// list, the form device runtimes accept for visibility masks
func DeviceIndices(bits *bitmap.Bitmap) (list string) {
	if bits == nil {
		return ""
	}
	indices := bits.Indices()
	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, strconv.FormatUint(uint64(i), 10))
	}
	return strings.Join(parts, ",")
}

// DeviceFiles maps allocated device indices back onto the device special
// files the merged records carry, preserving index order
func DeviceFiles(merged []*discover.Record, kindName string, bits *bitmap.Bitmap) (files []string) {
	if bits == nil {
		return nil
	}
	all := []string{}
	for _, rec := range merged {
		if rec.Name != kindName {
			continue
		}
		all = append(all, rec.Files...)
	}
	for _, i := range bits.Indices() {
		if int(i) < len(all) {
			files = append(files, all[i])
		}
	}
	return files
}

// TaskEnv assembles the environment map for one task's allocation of a
// kind.  Count only allocations export just the count.
func TaskEnv(kindName string, cnt uint64, bits *bitmap.Bitmap) (env map[string]string) {
	key := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || r == '/' {
			return '_'
		}
		return r
	}, kindName))

	env = map[string]string{
		"SLURM_" + key + "_COUNT": strconv.FormatUint(cnt, 10),
	}
	if bits != nil && bits.Any() {
		env[key+"_VISIBLE_DEVICES"] = DeviceIndices(bits)
	}
	return env
}
