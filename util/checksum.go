package util

import (
	"crypto/sha1"
	"encoding/hex"
)

// SHA1String returns the hex encoded SHA-1 of bs
func SHA1String(bs []byte) string {
	h := sha1.New()
	h.Write(bs)
	return hex.EncodeToString(h.Sum(nil))
}
