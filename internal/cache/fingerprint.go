package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// KeyPrefix namespaces tool result keys.
const KeyPrefix = "tool:"

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys
// and shortest encodings, so equal arguments always produce equal bytes.
var encMode cbor.EncMode

// fingerprintKey is the BLAKE3 key for the tool-cache hash domain.
var fingerprintKey = blake3.Sum256([]byte("warden tool cache fingerprint v1"))

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// Key derives the cache key of a tool call. It is a pure function of the
// tool name and the canonical form of args: arguments that differ only in
// map order or numeric representation (1 vs 1.0) collide, anything else
// does not.
func Key(toolName string, args map[string]any) (string, error) {
	canonical, err := canonicalize(args)
	if err != nil {
		return "", fmt.Errorf("canonicalizing arguments for %s: %w", toolName, err)
	}
	data, err := encMode.Marshal([]any{toolName, canonical})
	if err != nil {
		return "", fmt.Errorf("encoding arguments for %s: %w", toolName, err)
	}

	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return "", fmt.Errorf("initializing fingerprint hash: %w", err)
	}
	_, _ = hasher.Write(data)
	return KeyPrefix + toolName + ":" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// canonicalize maps args onto the JSON data model (objects, arrays, strings,
// numbers, booleans, null), which is what arguments look like after
// crossing the wire. Integral numbers stay exact integers.
func canonicalize(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return exactNumbers(out)
}

func exactNumbers(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			v[k] = n
		}
		return v, nil
	case []any:
		for i, e := range v {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
		return v, nil
	case json.Number:
		return number(v)
	}
	return v, nil
}

// number folds integral values (1, 1.0, 1e0) onto one integer and keeps
// the rest as float64.
func number(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	if s := n.String(); !strings.ContainsAny(s, ".eE") {
		if b, ok := new(big.Int).SetString(s, 10); ok {
			return b, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("number %s: %w", n, err)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}
