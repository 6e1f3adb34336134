package store

import (
	"crypto/sha256"
	"encoding/base64"
)

// hash returns a short url-safe identifier over the given parts: a sha256
// digest truncated to 16 bytes, base64 raw-url encoded. Used both for mail
// IDs and for report content hashes.
func hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}
