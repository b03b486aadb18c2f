package redact

import (
	"regexp"
	"strings"

	"github.com/harunnryd/shadowstack/pkg/usage"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Text replaces emails and phone numbers.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Metadata returns a copy of m with every string value, at any depth, passed
// through Text. Keys are left alone.
func Metadata(m usage.Metadata) usage.Metadata {
	if m == nil {
		return nil
	}
	out := make(usage.Metadata, len(m))
	for k, v := range m {
		out[k] = value(v)
	}
	return out
}

func value(v usage.Value) usage.Value {
	switch v.Kind() {
	case usage.StringValue:
		s, _ := v.AsString()
		return usage.String(Text(s))
	case usage.ArrayValue:
		items, _ := v.AsArray()
		for i := range items {
			items[i] = value(items[i])
		}
		return usage.Array(items...)
	case usage.ObjectValue:
		fields, _ := v.AsObject()
		for k := range fields {
			fields[k] = value(fields[k])
		}
		return usage.Object(fields)
	}
	return v
}
