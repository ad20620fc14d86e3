package parse

// scanState tracks whether a byte position in a JSON-like text lies inside
// a string literal and whether the current byte is escaped. Every repair
// stage below shares this walk so bracket/brace/comma logic never fires on
// bytes that merely look like structure but are actually string content.
type scanState struct {
	inString bool
	escaped  bool
}

// step advances the state by one byte and reports whether that byte was
// escaped by a backslash seen in the *previous* step (i.e. this byte
// should be treated as a literal, not as structural JSON).
func (s *scanState) step(b byte) (wasEscaped bool) {
	if s.escaped {
		s.escaped = false
		return true
	}
	switch b {
	case '\\':
		if s.inString {
			s.escaped = true
		}
	case '"':
		s.inString = !s.inString
	}
	return false
}

var fenceMarkers = []string{"```json", "```JSON", "```"}

// stripFences removes up to three nested layers of markdown code fences
// when the content directly inside begins with '{', '[', or '"'.
func stripFences(s string) string {
	for i := 0; i < 3; i++ {
		trimmed := trimSpaceBoth(s)
		opened := false
		for _, marker := range fenceMarkers {
			if hasPrefix(trimmed, marker) {
				rest := trimmed[len(marker):]
				rest = trimLeadingNewline(rest)
				if closeIdx := lastFenceClose(rest); closeIdx >= 0 {
					rest = rest[:closeIdx]
				}
				trimmed = trimSpaceBoth(rest)
				opened = true
				break
			}
		}
		if !opened {
			return s
		}
		if len(trimmed) == 0 {
			return trimmed
		}
		switch trimmed[0] {
		case '{', '[', '"':
			s = trimmed
		default:
			return s
		}
	}
	return s
}

func lastFenceClose(s string) int {
	idx := -1
	for i := 0; i+3 <= len(s); i++ {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			idx = i
		}
	}
	return idx
}

func trimLeadingNewline(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r') {
		s = s[1:]
	}
	return s
}

func trimSpaceBoth(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// extractBraces returns the substring from the first opening bracket of the
// given kind to the matching last closing bracket, or "" if neither bracket
// is present. kind is '{' or '['.
func extractBraces(s string, open, close byte) string {
	start := indexByte(s, open)
	end := lastIndexByte(s, close)
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// repairStringWhitespace walks s and, inside string literals, replaces
// literal newline/carriage-return/tab bytes with their JSON escape
// sequences. Already-escaped characters are left untouched.
func repairStringWhitespace(s string) string {
	var out []byte
	st := &scanState{}
	for i := 0; i < len(s); i++ {
		b := s[i]
		wasEscaped := st.step(b)
		if st.inString && !wasEscaped {
			switch b {
			case '\n':
				out = append(out, '\\', 'n')
				continue
			case '\r':
				out = append(out, '\\', 'r')
				continue
			case '\t':
				out = append(out, '\\', 't')
				continue
			}
		}
		out = append(out, b)
	}
	return string(out)
}

// trimTrailingCommas removes a ',' that precedes the next non-whitespace
// '}' or ']', outside of string literals.
func trimTrailingCommas(s string) string {
	var out []byte
	st := &scanState{}
	for i := 0; i < len(s); i++ {
		b := s[i]
		wasEscaped := st.step(b)
		if !st.inString && !wasEscaped && b == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		out = append(out, b)
	}
	return string(out)
}

// closeUnbalanced appends missing closing quote/brackets/braces so a
// truncated JSON document becomes structurally parseable. It never removes
// anything; it only appends.
func closeUnbalanced(s string) string {
	st := &scanState{}
	var stack []byte
	for i := 0; i < len(s); i++ {
		b := s[i]
		wasEscaped := st.step(b)
		if wasEscaped || st.inString {
			continue
		}
		switch b {
		case '{', '[':
			stack = append(stack, b)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	out := s
	if st.inString {
		out += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			out += "}"
		case '[':
			out += "]"
		}
	}
	return out
}

// splitTopLevelObjects walks a JSON array body (the bytes between the '['
// and ']' of e.g. "tasks":[ ... ]) and returns each complete top-level
// '{...}' object as its own string, ignoring braces nested inside string
// literals.
func splitTopLevelObjects(s string) []string {
	var objects []string
	st := &scanState{}
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		b := s[i]
		wasEscaped := st.step(b)
		if wasEscaped || st.inString {
			continue
		}
		switch b {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, s[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// findArrayBody locates the value of a top-level `"key":[` member and
// returns the bytes strictly between its matching '[' and ']'. Returns ""
// and false if the key isn't present or is malformed.
func findArrayBody(s, key string) (string, bool) {
	needle := `"` + key + `"`
	idx := indexOf(s, needle)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(needle):]
	colon := indexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]
	i := 0
	for i < len(rest) && isSpace(rest[i]) {
		i++
	}
	if i >= len(rest) || rest[i] != '[' {
		return "", false
	}
	rest = rest[i+1:]

	st := &scanState{}
	depth := 1
	for j := 0; j < len(rest); j++ {
		b := rest[j]
		wasEscaped := st.step(b)
		if wasEscaped || st.inString {
			continue
		}
		switch b {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return rest[:j], true
			}
		}
	}
	return rest, true
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
