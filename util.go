package ws

import "unsafe"

// btsToString returns string view of bts without copying. The result must
// not be retained after bts is modified.
func btsToString(bts []byte) string {
	if len(bts) == 0 {
		return ""
	}
	return unsafe.String(&bts[0], len(bts))
}

// equalFold reports whether s and t are equal under ASCII case folding.
func equalFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		a, b := s[i], t[i]
		if a == b {
			continue
		}
		if 'A' <= a && a <= 'Z' {
			a |= 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b |= 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// containsFold reports whether s contains substr under ASCII case folding.
func containsFold(s, substr []byte) bool {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if equalFold(btsToString(s[i:i+n]), btsToString(substr)) {
			return true
		}
	}
	return false
}
