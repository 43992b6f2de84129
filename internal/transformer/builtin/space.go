package builtin

// HasEdgeSpace reports whether s starts or ends with an ASCII space, tab, CR or
// LF. Callers use it to skip strings.TrimSpace on the hot path.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
