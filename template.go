package mqcore

import "strings"

// SubstituteTopicTokens replaces every `{token}` segment in pattern with its
// value from tokens, returning HeaderMissing if pattern references a token
// absent from the map (§6 "Topic token substitution").
func SubstituteTopicTokens(pattern string, tokens map[string]string) (string, error) {
	var b strings.Builder
	rest := pattern
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		token := rest[start+1 : end]
		value, ok := tokens[token]
		if !ok {
			return "", &Error{Kind: KindHeaderMissing, IsShallow: true,
				HeaderName: token, Message: "topic pattern references unknown token"}
		}
		b.WriteString(value)
		rest = rest[end+1:]
	}
	return b.String(), nil
}
