// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package discover

// This file contains the data structures describing the device groups a
// discovery collaborator reports for a node, together with the parser for
// the administrator declared resource specification they are reconciled
// against

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Record describes one physically distinct group of devices found on a
// node.  Reconciliation merges these against the declared specification and
// may cap counts or truncate file lists in the process.
type Record struct {
	Name      string   `json:"name"`                 // Resource kind name
	Type      string   `json:"type,omitempty"`       // Optional model label
	Count     uint64   `json:"count"`                // Consumable units in this group
	Cores     string   `json:"cores,omitempty"`      // Core affinity range list, empty when unbound
	Files     []string `json:"files,omitempty"`      // Device file paths, one per unit
	Links     string   `json:"links,omitempty"`      // Comma separated link distances, -1 marks self
	CountOnly bool     `json:"count_only,omitempty"` // No capability hook backs this kind
}

// HasType reports whether the record carries a model label
func (r *Record) HasType() (has bool) {
	return len(r.Type) != 0
}

// HasFile reports whether the record tracks individual device files
func (r *Record) HasFile() (has bool) {
	return len(r.Files) != 0
}

// TruncateFiles caps the record at cnt units, dropping device files from
// the tail to match
func (r *Record) TruncateFiles(cnt uint64) {
	if uint64(len(r.Files)) > cnt {
		r.Files = r.Files[:cnt]
	}
}

// Clone returns an independent copy of the record
func (r *Record) Clone() (cp *Record) {
	cp = &Record{}
	*cp = *r
	cp.Files = append([]string{}, r.Files...)
	return cp
}

func (r *Record) String() (s string) {
	if r.HasType() {
		return fmt.Sprintf("%s:%s:%d", r.Name, r.Type, r.Count)
	}
	return fmt.Sprintf("%s:%d", r.Name, r.Count)
}

// Declared is one bucket of the administrator declared specification, a
// kind appears once per declared type
type Declared struct {
	Name  string
	Type  string
	Count uint64
}

// suffix multipliers accepted on declared counts, 1024 based
var multipliers = map[byte]uint64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
	'p': 1 << 50,
}

// ParseCount translates a count token with an optional K/M/G/T/P suffix
// into its numeric value
func ParseCount(tok string) (cnt uint64, err kv.Error) {
	if len(tok) == 0 {
		return 0, kv.NewError("empty count").With("stack", stack.Trace().TrimRuntime())
	}
	mult := uint64(1)
	last := tok[len(tok)-1]
	if m, isPresent := multipliers[last|0x20]; isPresent {
		mult = m
		tok = tok[:len(tok)-1]
	}
	value, errGo := strconv.ParseUint(tok, 10, 64)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("count", tok).With("stack", stack.Trace().TrimRuntime())
	}
	return value * mult, nil
}

func isCount(tok string) (is bool) {
	_, err := ParseCount(tok)
	return err == nil
}

// ParseDeclared splits a comma separated declaration such as
// "accel:model_x:2,accel:model_y:1,nic:4k" into its buckets.  Tokens take
// the forms name, name:count and name:type:count, a bare name declares a
// single unit.  Per kind type counts accumulate across repeated tokens.
func ParseDeclared(spec string) (buckets []Declared, err kv.Error) {
	buckets = []Declared{}
	if len(strings.TrimSpace(spec)) == 0 {
		return buckets, nil
	}

	found := map[string]int{}
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if len(tok) == 0 {
			continue
		}
		fields := strings.Split(tok, ":")
		entry := Declared{Name: fields[0], Count: 1}
		switch len(fields) {
		case 1:
		case 2:
			if isCount(fields[1]) {
				if entry.Count, err = ParseCount(fields[1]); err != nil {
					return nil, err
				}
			} else {
				entry.Type = fields[1]
			}
		case 3:
			entry.Type = fields[1]
			if entry.Count, err = ParseCount(fields[2]); err != nil {
				return nil, err
			}
		default:
			return nil, kv.NewError("malformed resource declaration").
				With("token", tok).With("stack", stack.Trace().TrimRuntime())
		}
		if len(entry.Name) == 0 {
			return nil, kv.NewError("resource declaration missing a name").
				With("token", tok).With("stack", stack.Trace().TrimRuntime())
		}

		key := entry.Name + ":" + entry.Type
		if i, isPresent := found[key]; isPresent {
			buckets[i].Count += entry.Count
			continue
		}
		found[key] = len(buckets)
		buckets = append(buckets, entry)
	}
	return buckets, nil
}

// ParseLinks converts a comma separated link distance vector into integers.
// The self position is marked with -1, all other values must be
// non-negative distances.
func ParseLinks(links string, selfIndex int, width int) (vals []int, err kv.Error) {
	if len(strings.TrimSpace(links)) == 0 {
		return nil, nil
	}
	fields := strings.Split(links, ",")
	if len(fields) != width {
		return nil, kv.NewError("link vector width mismatch").
			With("links", links).With("expected", width).With("actual", len(fields)).
			With("stack", stack.Trace().TrimRuntime())
	}
	vals = make([]int, 0, len(fields))
	selfSeen := 0
	for i, field := range fields {
		value, errGo := strconv.Atoi(strings.TrimSpace(field))
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("links", links).With("stack", stack.Trace().TrimRuntime())
		}
		if i == selfIndex && value != -1 {
			return nil, kv.NewError("link vector must mark itself with -1").
				With("links", links).With("self", selfIndex).
				With("stack", stack.Trace().TrimRuntime())
		}
		if value == -1 {
			selfSeen++
		}
		if value < -1 || (value == -1 && selfIndex >= 0 && i != selfIndex) {
			return nil, kv.NewError("negative link distance").
				With("links", links).With("position", i).
				With("stack", stack.Trace().TrimRuntime())
		}
		vals = append(vals, value)
	}
	// Without a known self position the vector still marks itself once
	if selfIndex < 0 && selfSeen > 1 {
		return nil, kv.NewError("link vector marks itself more than once").
			With("links", links).With("stack", stack.Trace().TrimRuntime())
	}
	return vals, nil
}

// ExpandFiles expands a device file pattern such as "/dev/accel[0-3]" or a
// comma separated list into individual paths.  Plain paths pass through as
// a single element.
func ExpandFiles(pattern string) (files []string, err kv.Error) {
	files = []string{}
	for _, tok := range strings.Split(pattern, ",") {
		tok = strings.TrimSpace(tok)
		if len(tok) == 0 {
			continue
		}
		open := strings.IndexByte(tok, '[')
		if open < 0 {
			files = append(files, tok)
			continue
		}
		closing := strings.IndexByte(tok, ']')
		if closing < open {
			return nil, kv.NewError("malformed device file range").
				With("pattern", tok).With("stack", stack.Trace().TrimRuntime())
		}
		prefix, suffix := tok[:open], tok[closing+1:]
		for _, span := range strings.Split(tok[open+1:closing], ",") {
			first, last := 0, 0
			if strings.Contains(span, "-") {
				if _, errGo := fmt.Sscanf(span, "%d-%d", &first, &last); errGo != nil {
					return nil, kv.Wrap(errGo).With("pattern", tok).With("stack", stack.Trace().TrimRuntime())
				}
			} else {
				if _, errGo := fmt.Sscanf(span, "%d", &first); errGo != nil {
					return nil, kv.Wrap(errGo).With("pattern", tok).With("stack", stack.Trace().TrimRuntime())
				}
				last = first
			}
			if last < first {
				return nil, kv.NewError("descending device file range").
					With("pattern", tok).With("stack", stack.Trace().TrimRuntime())
			}
			for i := first; i <= last; i++ {
				files = append(files, fmt.Sprintf("%s%d%s", prefix, i, suffix))
			}
		}
	}
	return files, nil
}
