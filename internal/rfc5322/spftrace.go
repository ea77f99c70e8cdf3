package rfc5322

import "strings"

// ReceivedSPF is a parsed Received-SPF trace header, RFC 7208 §9.1.
type ReceivedSPF struct {
	Result  string // pass, fail, softfail, neutral, none, temperror, permerror
	Params  map[string]string
	Comment string
}

// ParseReceivedSPF parses the value of a Received-SPF header (everything
// after "Received-SPF:"). The grammar is "result comment key1=val1
// key2=val2 ..."; unlike DKIM's strict tag=value list this allows a
// freeform leading comment in parentheses, so it gets its own small parser
// rather than reusing the DKIM tag parser directly.
func ParseReceivedSPF(value string) ReceivedSPF {
	value = strings.TrimSpace(value)
	fields := splitSPFFields(value)
	if len(fields) == 0 {
		return ReceivedSPF{Params: map[string]string{}}
	}

	rs := ReceivedSPF{Result: strings.ToLower(fields[0]), Params: map[string]string{}}

	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "(") {
			rs.Comment = strings.Trim(f, "()")
			continue
		}
		if k, v, ok := strings.Cut(f, "="); ok {
			rs.Params[strings.ToLower(k)] = strings.Trim(v, ";")
		}
	}
	return rs
}

// splitSPFFields splits on whitespace but keeps a parenthesized comment as
// one field even if it contains spaces.
func splitSPFFields(s string) []string {
	var fields []string
	depth := 0
	start := -1
	for i, r := range s {
		switch {
		case r == '(':
			depth++
			if start < 0 {
				start = i
			}
		case r == ')':
			depth--
		case (r == ' ' || r == '\t') && depth == 0:
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
