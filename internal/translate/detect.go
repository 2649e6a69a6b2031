package translate

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// DetectLanguage returns the ISO 639-1 code of text when detection is
// reliable.
func DetectLanguage(text string) (string, bool) {
	info := whatlanggo.Detect(strings.TrimSpace(text))
	if !info.IsReliable() {
		return "", false
	}
	code := info.Lang.Iso6391()
	return code, code != ""
}
