package uploads

// TruncateByMode shortens s to at most n characters using the given policy.
// Modes: "head" keeps the start, "tail" keeps the end, "headtail" (default)
// keeps both ends around an elision marker. For n >= len(s) the input is
// returned unchanged.
func TruncateByMode(s, mode string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	const marker = "\n…[truncated]…\n"
	switch mode {
	case "head":
		return s[:n]
	case "tail":
		return s[len(s)-n:]
	}
	if n <= len(marker) {
		return s[:n]
	}
	keep := n - len(marker)
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}
