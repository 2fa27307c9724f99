package order

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// clientOrderIDLen fits the tightest venue limit (MT5 order comment, 31 chars)
const clientOrderIDLen = 31

var idNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// OrderIDFor derives the gateway order id from the idempotency key
func OrderIDFor(idempotencyKey string) string {
	return "ord_" + uuid.NewSHA1(idNamespace, []byte(idempotencyKey)).String()
}

// ClientOrderIDFor derives the client order id sent to venues. It is stable across retries.
func ClientOrderIDFor(idempotencyKey string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(idempotencyKey))
	hex := strings.ReplaceAll(id.String(), "-", "")
	return ("eg" + hex)[:clientOrderIDLen]
}

// PayloadHash computes SHA256 of the request, ignoring the receive timestamp
func PayloadHash(r Request) (string, error) {
	r.CreatedAt = time.Time{}
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}
