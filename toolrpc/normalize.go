package toolrpc

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// NormalizePayload turns dict-like text (single-quoted strings, True, False,
// None) into valid JSON. Valid JSON and anything that does not convert cleanly
// are returned unchanged.
func NormalizePayload(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || json.Valid([]byte(trimmed)) {
		return payload
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return payload
	}

	converted := convertDictLiteral(trimmed)
	if !json.Valid([]byte(converted)) {
		return payload
	}
	return converted
}

func convertDictLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var quote byte // active string delimiter, 0 outside strings
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case c == '\\' && i+1 < len(s):
				next := s[i+1]
				if next == '\'' && quote == '\'' {
					b.WriteByte('\'')
				} else {
					b.WriteByte(c)
					b.WriteByte(next)
				}
				i++
			case c == quote:
				b.WriteByte('"')
				quote = 0
			case c == '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
			b.WriteByte('"')
			continue
		}
		if word, lit, ok := pythonLiteral(s[i:]); ok {
			b.WriteString(lit)
			i += len(word) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

var pythonLiterals = []struct{ word, json string }{
	{"True", "true"},
	{"False", "false"},
	{"None", "null"},
}

func pythonLiteral(s string) (word, lit string, ok bool) {
	for _, p := range pythonLiterals {
		if !strings.HasPrefix(s, p.word) {
			continue
		}
		if len(s) > len(p.word) && isIdentChar(s[len(p.word)]) {
			continue
		}
		return p.word, p.json, true
	}
	return "", "", false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

var envelopeKeys = map[string]bool{
	"Information":   true,
	"Note":          true,
	"Error Message": true,
}

// genericKeys form an envelope only together with a truthy "error".
var genericKeys = map[string]bool{
	"error":   true,
	"message": true,
}

// InBandError returns the message of a payload that is only an error envelope
// such as {"Information": "..."} or {"Error Message": "..."}, or "" for data.
// {"message": "..."} alone is data; {"error": true, "message": "..."} is not.
func InBandError(payload string) string {
	if !gjson.Valid(payload) {
		return ""
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return ""
	}

	var msg string
	envelope, generic, known := true, false, false
	root.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		switch {
		case envelopeKeys[k]:
			known = true
		case genericKeys[k]:
			generic = true
		default:
			envelope = false
			return false
		}
		if value.Type == gjson.String && msg == "" {
			msg = value.String()
		}
		return true
	})
	if !envelope {
		return ""
	}
	if generic && !known && !root.Get("error").Bool() && root.Get("error").Type != gjson.String {
		return ""
	}
	return msg
}
