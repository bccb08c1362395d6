// Package groupkey derives the deduplication identity of an alert.
package groupkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Hash returns the hex SHA-256 of the trimmed, lower-cased fields. Each field is
// written as "<byte length>:<field>|" so a "|" inside a field cannot shift the
// boundary between fields.
func Hash(source, project, environment, fingerprint string) string {
	h := sha256.New()
	for _, field := range []string{source, project, environment, fingerprint} {
		field = strings.ToLower(strings.TrimSpace(field))
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
