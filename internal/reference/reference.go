package reference

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PaymentPrefix is what the buyer is told to write before the order ID.
const PaymentPrefix = "Thanh toan "

const (
	orderIDPrefix  = "ORD"
	suffixAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffixLength   = 5

	// MaxOrderIDLength matches the ledger's order_id column.
	MaxOrderIDLength = 64
)

// orderIDPattern is the canonical form of what the payment-phrase pattern
// captures, so every valid ID survives PaymentContent then Extract.
var orderIDPattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

// Ordered cascade; first match wins.
var patterns = []*regexp.Regexp{
	// token right after the payment phrase
	regexp.MustCompile(`(?i)thanh\s*to[aá]n\s+([A-Za-z0-9-]+)`),
	// structured ORD reference anywhere
	regexp.MustCompile(`(?i)\b(ORD-?[A-Z0-9]{4,})\b`),
	// permissive fallback: any long alphanumeric run. Ordinary words like
	// "transfer" match; the ledger's payment-content check and the exact
	// amount check guard against acting on them.
	regexp.MustCompile(`([A-Za-z0-9]{8,})`),
}

// Extract returns the candidate order reference in a transaction
// description, verbatim as it appears, or false if none is found.
func Extract(description string) (string, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(description); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Canonical normalizes an extracted reference for ledger lookup.
func Canonical(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// ValidOrderID reports whether a canonical order ID can be embedded in a
// transfer description and extracted back unchanged.
func ValidOrderID(id string) bool {
	return len(id) <= MaxOrderIDLength && orderIDPattern.MatchString(id)
}

// PaymentContent is the exact transfer description the buyer must use.
func PaymentContent(orderID string) string {
	return PaymentPrefix + orderID
}

// NewOrderID returns an uppercase alphanumeric token: the ORD prefix, the
// base-36 millisecond timestamp and a random suffix.
func NewOrderID() (string, error) {
	return newOrderID(time.Now())
}

func newOrderID(now time.Time) (string, error) {
	var sb strings.Builder
	sb.WriteString(orderIDPrefix)
	sb.WriteString(strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))

	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < suffixLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(suffixAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
