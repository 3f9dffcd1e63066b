package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashDN replaces a distinguished name with a salted hash so the security
// log stays correlatable without storing the raw subject.
func hashDN(dn string, salt []byte) string {
	if dn == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(dn))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
