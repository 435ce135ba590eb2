package kline

// CompareCommands reports whether a and b are the same command over their
// header-declared length. Commands with different declared lengths, or too
// short to hold their own header, never compare equal.
func (e *Engine) CompareCommands(a, b []byte) bool {
	na, okA := e.variant.FrameLength(a, 0)
	nb, okB := e.variant.FrameLength(b, 0)
	if !okA || !okB || na != nb || na > len(a) || na > len(b) {
		return false
	}
	for i := 0; i < na; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CopyCommand copies src into dst unless they already match, and reports
// whether they did. Polling loops use it to notice a changed command.
func (e *Engine) CopyCommand(dst, src []byte) bool {
	if e.CompareCommands(dst, src) {
		return true
	}
	n, ok := e.variant.FrameLength(src, 0)
	if !ok {
		return false
	}
	copy(dst, src[:min(n, len(src))])
	return false
}
