package extract

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// callIdentity derives the turn-scoped identity used for deduplication when
// the provider did not supply a native call id: a stable FNV-1a hash over the
// tool name, the canonicalized arguments, and the turn index. Two detections
// of the same logical call, in any encoding, hash identically.
func callIdentity(toolName string, args map[string]interface{}, turn int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%d\x00", toolName, turn)
	h.Write(canonicalArgs(args))
	return fmt.Sprintf("call-%016x", h.Sum64())
}

// malformedIdentity hashes the raw matched text in place of arguments, so two
// distinct unparseable payloads for the same tool keep separate identities
// instead of collapsing into one rejection.
func malformedIdentity(toolName, raw string, turn int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%d\x00raw\x00", toolName, turn)
	h.Write([]byte(raw))
	return fmt.Sprintf("call-%016x", h.Sum64())
}

// canonicalArgs renders arguments with sorted keys so the hash is independent
// of map iteration order.
func canonicalArgs(args map[string]interface{}) []byte {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", args[k]))
		}
		buf = append(buf, v...)
		buf = append(buf, '\x00')
	}
	return buf
}
