// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package discover

// This file contains the tolerant JSON reader for discovery collaborator
// payloads.  Payloads are arrays of record objects, unknown fields are
// ignored so collaborators can evolve independently of this module.

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/valyala/fastjson"
)

// ParseRecords reads a JSON array of discovered device group records.  The
// file field accepts either a single pattern string or an array of paths,
// patterns are expanded before the record is returned.
func ParseRecords(data []byte) (recs []*Record, err kv.Error) {
	parser := fastjson.Parser{}
	doc, errGo := parser.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	items, errGo := doc.Array()
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	recs = make([]*Record, 0, len(items))
	for _, item := range items {
		rec := &Record{
			Name:      string(item.GetStringBytes("name")),
			Type:      string(item.GetStringBytes("type")),
			Count:     item.GetUint64("count"),
			Cores:     string(item.GetStringBytes("cores")),
			Links:     string(item.GetStringBytes("links")),
			CountOnly: item.GetBool("count_only"),
		}
		if len(rec.Name) == 0 {
			return nil, kv.NewError("discovered record missing a name").
				With("stack", stack.Trace().TrimRuntime())
		}

		if file := item.Get("file"); file != nil {
			switch file.Type() {
			case fastjson.TypeString:
				if rec.Files, err = ExpandFiles(string(file.GetStringBytes())); err != nil {
					return nil, err
				}
			case fastjson.TypeArray:
				for _, path := range file.GetArray() {
					rec.Files = append(rec.Files, string(path.GetStringBytes()))
				}
			default:
				return nil, kv.NewError("discovered record file field must be a string or array").
					With("name", rec.Name).With("stack", stack.Trace().TrimRuntime())
			}
		}

		// A file backed record with no explicit count takes one unit
		// per device file
		if rec.Count == 0 && rec.HasFile() {
			rec.Count = uint64(len(rec.Files))
		}
		if rec.HasFile() && rec.Count != uint64(len(rec.Files)) {
			return nil, kv.NewError("discovered record count does not match its device files").
				With("name", rec.Name).With("count", rec.Count).With("files", len(rec.Files)).
				With("stack", stack.Trace().TrimRuntime())
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
