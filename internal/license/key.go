// Package license produces customer-facing license keys.
package license

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Generate returns a key of the form XXXX-XXXX-XXXX-XXXX (uppercase hex)
// re-encoded from a random v4 UUID. The fixed version and variant nibbles
// are skipped so all 16 characters carry entropy.
func Generate() string {
	id := uuid.New()
	h := hex.EncodeToString(id[:])
	h = strings.ToUpper(h[:12] + h[13:16] + h[17:18])
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16]
}
