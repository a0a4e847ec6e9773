package license

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var keyFormat = regexp.MustCompile(`^[A-Z0-9_]+-[0-9A-F]{4}-[0-9A-F]{4}$`)

// GenerateKey returns a key of the form <PROJECT>-XXXX-XXXX.
func GenerateKey(project string) string {
	id := uuid.New()
	h := strings.ToUpper(hex.EncodeToString(id[:4]))
	return fmt.Sprintf("%s-%s-%s", keyPrefix(project), h[:4], h[4:8])
}

// ValidKeyFormat reports whether key looks like a generated license key.
func ValidKeyFormat(key string) bool {
	return keyFormat.MatchString(key)
}

func keyPrefix(project string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(project) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "LIC"
	}
	return b.String()
}
