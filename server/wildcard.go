package server

// matchWildcard reports whether s matches pattern, where '*' matches any run
// of characters (including none) and '?' matches exactly one. Used for the
// blocklist's address patterns.
func matchWildcard(pattern, s string) bool {
	var starPattern, starString = -1, 0
	p, i := 0, 0

	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			starPattern = p
			starString = i
			p++
		case starPattern >= 0:
			// Backtrack: let the last '*' absorb one more character.
			p = starPattern + 1
			starString++
			i = starString
		default:
			return false
		}
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}

	return p == len(pattern)
}
