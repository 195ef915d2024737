package rewrite

import (
	"encoding/base64"
	"strings"
)

// EncodeClickParam encodes a click target for the u= query parameter.
func EncodeClickParam(target string) string {
	return base64.URLEncoding.EncodeToString([]byte(target))
}

// DecodeClickParam recovers a click target from the u= parameter. Real
// traffic arrives mangled: proxies strip padding, some clients re-encode
// '+' as space, older templates used the standard alphabet. Each candidate
// decoding is tried until one yields a plausible URL, so every value
// produced by EncodeClickParam round-trips and most damaged ones still
// resolve.
func DecodeClickParam(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	// Already a URL (legacy unencoded links)
	if isTargetURL(raw) {
		return raw, true
	}

	candidates := []string{
		raw,
		fixPadding(raw),
		strings.ReplaceAll(raw, " ", "+"),
		fixPadding(strings.ReplaceAll(raw, " ", "+")),
	}

	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}

	for _, c := range candidates {
		for _, enc := range decoders {
			decoded, err := enc.DecodeString(c)
			if err != nil {
				continue
			}
			s := string(decoded)
			if isTargetURL(s) {
				return s, true
			}
			if strings.HasPrefix(strings.ToLower(s), "www.") {
				return "https://" + s, true
			}
		}
	}

	// Bare domain without scheme
	if strings.HasPrefix(strings.ToLower(raw), "www.") {
		return "https://" + raw, true
	}
	return "", false
}

func isTargetURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func fixPadding(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}
