// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package codec contains the version tagged serialization of inventory and
// request state.  Buffers are opaque to callers, the only contract is that
// every encoded value decodes back to an equal value and that a malformed
// buffer surfaces as an error rather than a panic.
package codec

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/valyala/fastjson"
)

// Version identifies the current encoding.  Decoders accept any version in
// [MinVersion, Version], older buffers remain readable after upgrades.
const (
	Version    = 2
	MinVersion = 1
)

// envelope wraps every encoded payload with its version tag
type envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps the value in a version tagged envelope.  kind names the
// payload so a decoder can refuse a buffer meant for a different type.
func Encode(kind string, value interface{}) (data []byte, err kv.Error) {
	payload, errGo := json.Marshal(value)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", kind).With("stack", stack.Trace().TrimRuntime())
	}
	data, errGo = json.Marshal(envelope{
		Version: Version,
		Kind:    kind,
		Payload: payload,
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", kind).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

// Probe inspects a buffer without decoding the payload, returning its
// version tag and payload kind.  Used to route buffers of mixed origin.
func Probe(data []byte) (version int, kind string, err kv.Error) {
	var p fastjson.Parser
	v, errGo := p.ParseBytes(data)
	if errGo != nil {
		return 0, "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	version = v.GetInt("version")
	kind = string(v.GetStringBytes("kind"))
	if version == 0 || len(kind) == 0 {
		return 0, "", kv.NewError("buffer carries no version tag").
			With("stack", stack.Trace().TrimRuntime())
	}
	return version, kind, nil
}

// Decode unwraps a version tagged buffer into value.  Bad tags, payload
// kind mismatches and truncated payloads all return recoverable errors.
func Decode(data []byte, kind string, value interface{}) (err kv.Error) {
	version, gotKind, err := Probe(data)
	if err != nil {
		return err
	}
	if gotKind != kind {
		return kv.NewError("buffer holds a different payload kind").
			With("want", kind).With("got", gotKind).
			With("stack", stack.Trace().TrimRuntime())
	}
	if version < MinVersion || version > Version {
		return kv.NewError("buffer version is not supported").
			With("version", version).With("min", MinVersion).With("max", Version).
			With("stack", stack.Trace().TrimRuntime())
	}

	env := envelope{}
	if errGo := json.Unmarshal(data, &env); errGo != nil {
		return kv.Wrap(errGo).With("kind", kind).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := json.Unmarshal(env.Payload, value); errGo != nil {
		return kv.Wrap(errGo).With("kind", kind).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
