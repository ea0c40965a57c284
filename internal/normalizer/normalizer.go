// Package normalizer turns bank-aggregator webhook payloads into canonical
// BankTransaction values.
//
// Payloads arrive in several historical shapes. Each shape is a (match, parse)
// pair and the pairs are tried in a fixed order; the first structural match
// wins. Unknown shapes produce no transactions rather than an error.
package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

// Alias chains, most specific key first.
var (
	transactionIDKeys = []string{"tid", "transactionId", "transaction_id", "referenceCode", "reference", "id"}
	accountKeys       = []string{"subAccId", "accountNumber", "account_number", "accountNo", "subAccount"}
	bankCodeKeys      = []string{"bankSubAccId", "bankCode", "bank_code", "bankName", "gateway"}
	amountKeys        = []string{"amount", "transferAmount", "creditAmount", "value"}
	descriptionKeys   = []string{"description", "content", "remark", "memo", "note"}
	dateKeys          = []string{"when", "transactionDate", "transaction_date", "transactionDateTime", "date", "createdAt"}
	directionKeys     = []string{"type", "transferType", "direction", "transactionType"}
)

type shape struct {
	name  string
	match func(payload interface{}) bool
	parse func(payload interface{}) []models.BankTransaction
}

// shapes is evaluated in order; see Normalize.
var shapes = []shape{
	{name: "batch-envelope", match: isBatchEnvelope, parse: parseBatchEnvelope},
	{name: "single-credit", match: isSingleCredit, parse: parseSingleCredit},
	{name: "bare-array", match: isBareArray, parse: parseBareArray},
	{name: "bare-object", match: isBareObject, parse: parseBareObject},
}

// Normalize converts a decoded JSON payload into zero or more canonical
// transactions. It also returns the name of the shape that matched, or ""
// if none did.
func Normalize(payload interface{}) ([]models.BankTransaction, string) {
	for _, s := range shapes {
		if s.match(payload) {
			return s.parse(payload), s.name
		}
	}
	return nil, ""
}

func isBatchEnvelope(payload interface{}) bool {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = obj["data"].([]interface{})
	return ok
}

func parseBatchEnvelope(payload interface{}) []models.BankTransaction {
	return parseList(payload.(map[string]interface{})["data"].([]interface{}))
}

func isSingleCredit(payload interface{}) bool {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	return hasAny(obj, "content", "transferAmount")
}

// parseSingleCredit handles the aggregator that only ever reports
// successful incoming transfers.
func parseSingleCredit(payload interface{}) []models.BankTransaction {
	obj := payload.(map[string]interface{})
	raw, _ := amountOf(obj, "transferAmount", "amount")
	tx := baseTransaction(obj)
	tx.Amount = minorUnits(raw)
	tx.Description = firstString(obj, "content", "description", "remark")
	tx.Direction = models.Credit
	return []models.BankTransaction{tx}
}

func isBareArray(payload interface{}) bool {
	_, ok := payload.([]interface{})
	return ok
}

func parseBareArray(payload interface{}) []models.BankTransaction {
	return parseList(payload.([]interface{}))
}

func isBareObject(payload interface{}) bool {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	return hasAny(obj, "transactionId", "amount")
}

func parseBareObject(payload interface{}) []models.BankTransaction {
	obj := payload.(map[string]interface{})
	raw, _ := amountOf(obj, amountKeys...)
	tx := baseTransaction(obj)
	tx.Amount = minorUnits(raw)
	tx.Description = firstString(obj, descriptionKeys...)
	if dir, ok := explicitDirection(obj); ok {
		tx.Direction = dir
	} else if raw.IsPositive() {
		tx.Direction = models.Credit
	} else {
		tx.Direction = models.Debit
	}
	return []models.BankTransaction{tx}
}

// parseList maps list elements with the shared alias chains. Elements that
// are not objects are skipped.
func parseList(items []interface{}) []models.BankTransaction {
	txs := make([]models.BankTransaction, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		raw, _ := amountOf(obj, amountKeys...)
		tx := baseTransaction(obj)
		tx.Amount = minorUnits(raw)
		tx.Description = firstString(obj, descriptionKeys...)
		dir, explicit := explicitDirection(obj)
		if raw.IsPositive() || (explicit && dir == models.Credit) {
			tx.Direction = models.Credit
		} else {
			tx.Direction = models.Debit
		}
		txs = append(txs, tx)
	}
	return txs
}

func baseTransaction(obj map[string]interface{}) models.BankTransaction {
	return models.BankTransaction{
		ID:              uuid.NewString(),
		TransactionID:   firstString(obj, transactionIDKeys...),
		AccountNumber:   firstString(obj, accountKeys...),
		BankCode:        firstString(obj, bankCodeKeys...),
		TransactionDate: firstTime(obj, dateKeys...),
	}
}

func hasAny(obj map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// firstString returns the first non-empty value among keys, stringified.
func firstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// amountOf returns the signed amount under the first key that parses.
func amountOf(obj map[string]interface{}, keys ...string) (decimal.Decimal, bool) {
	for _, k := range keys {
		if d, ok := toDecimal(obj[k]); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		s = strings.TrimPrefix(s, "+")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Zero, false
}

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// minorUnits is the non-negative integer amount. Amounts that do not fit in
// an int64 become 0, which no order can match.
func minorUnits(d decimal.Decimal) int64 {
	units := d.Abs().Round(0)
	if units.GreaterThan(maxAmount) {
		log.Warnf("[Normalizer] Amount %s is out of range, recording it as 0", d.String())
		return 0
	}
	return units.IntPart()
}

func explicitDirection(obj map[string]interface{}) (models.Direction, bool) {
	marker := strings.ToLower(firstString(obj, directionKeys...))
	switch marker {
	case "in", "credit", "cr", "c":
		return models.Credit, true
	case "out", "debit", "dr", "d":
		return models.Debit, true
	}
	return "", false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02",
}

// firstTime parses the first recognizable timestamp. Numbers are taken as
// unix seconds, or milliseconds when large enough.
func firstTime(obj map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t
				}
			}
		}
		if d, ok := toDecimal(v); ok {
			if d.GreaterThan(maxAmount) {
				continue
			}
			n := d.IntPart()
			if n <= 0 {
				continue
			}
			if n > 1e12 {
				return time.UnixMilli(n).UTC()
			}
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}
