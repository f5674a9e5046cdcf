package util

import "strings"

// maxFilteredTextLen bounds worker names and miner agent strings coming
// from untrusted common-events payloads.
const maxFilteredTextLen = 64

// FilterWorkerName trims ASCII whitespace, strips C0 control characters,
// and bounds the length of a worker name or miner agent string pulled
// from a common-events payload.
func FilterWorkerName(s string) string {
	s = strings.TrimSpace(s)

	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()

	if len(out) > maxFilteredTextLen {
		out = out[:maxFilteredTextLen]
	}
	return out
}
