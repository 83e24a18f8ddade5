package build

import "regexp"

// The classic builder marks each completed step with an "arrow" line:
//
//	 ---> a1b2c3d4e5f6
//	 ---> Using cache
//	---> Running in 0123456789ab
//
// arrowPattern matches the arrow prefix and captures the remainder;
// digestPattern finds the first content digest inside it. Digests are
// lowercase hex — the daemon never emits uppercase, so neither do we.
var (
	arrowPattern  = regexp.MustCompile(`^\s*-+>\s*(.+)`)
	digestPattern = regexp.MustCompile(`[a-f0-9]{12,}`)
)

// ExtractLayer returns the layer digest named by an arrow progress line,
// or "" if the line is not an arrow line or carries no digest. The first
// hex run of at least 12 characters wins. Total over all inputs.
func ExtractLayer(line string) string {
	m := arrowPattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return digestPattern.FindString(m[1])
}
