package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

// Key builds the canonical cache key for one page of a selection.
// Layer ids are sorted so request order cannot split the cache, the
// bbox is rounded to six decimals (about a tenth of a meter), and the
// full canonical text is hashed into the suffix so the readable prefix
// can stay sanitized and bounded.
func Key(layers []string, b geom.BBox, zoom int, page model.Page) string {
	sorted := make([]string, len(layers))
	copy(sorted, layers)
	sort.Strings(sorted)
	joined := strings.Join(sorted, ",")

	canon := fmt.Sprintf("%s|%s|z=%d|o=%d|l=%d", joined, b.String(), zoom, page.Offset, page.Limit)
	sum := xxhash.Sum64String(canon)

	const maxLayerTextLen = 120
	layerSafe := sanitizeForKey(joined)
	if len(layerSafe) > maxLayerTextLen {
		layerSafe = layerSafe[:maxLayerTextLen]
	}

	return fmt.Sprintf("sel:%s:%s:z=%d:o=%d:l=%d:k=%016x",
		layerSafe, sanitizeForKey(b.String()), zoom, page.Offset, page.Limit, sum)
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '=' || r == '+':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
