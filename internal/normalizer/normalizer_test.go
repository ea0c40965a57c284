package normalizer

import (
	"math"
	"testing"
	"time"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

func mustDecode(t *testing.T, body string) interface{} {
	t.Helper()
	payload, err := DecodeBytes([]byte(body))
	if err != nil {
		t.Fatalf("DecodeBytes(%s): %v", body, err)
	}
	return payload
}

func TestNormalizeBatchEnvelope(t *testing.T) {
	payload := mustDecode(t, `{"data":[{"tid":"T1","amount":150000,"description":"Thanh toan ORD-ABC123","subAccId":"0773702777","bankSubAccId":"MB"}]}`)

	txs, shape := Normalize(payload)
	if shape != "batch-envelope" {
		t.Fatalf("shape = %q, want batch-envelope", shape)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.TransactionID != "T1" {
		t.Errorf("TransactionID = %q, want T1", tx.TransactionID)
	}
	if tx.Amount != 150000 {
		t.Errorf("Amount = %d, want 150000", tx.Amount)
	}
	if tx.Direction != models.Credit {
		t.Errorf("Direction = %q, want credit", tx.Direction)
	}
	if tx.AccountNumber != "0773702777" || tx.BankCode != "MB" {
		t.Errorf("account/bank = %q/%q", tx.AccountNumber, tx.BankCode)
	}
	if tx.Description != "Thanh toan ORD-ABC123" {
		t.Errorf("Description = %q", tx.Description)
	}
	if tx.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestNormalizeBatchDirection(t *testing.T) {
	payload := mustDecode(t, `{"data":[
		{"transactionId":"A","amount":-50000,"description":"fee"},
		{"transactionId":"B","amount":-70000,"type":"IN"},
		{"transactionId":"C","amount":"120,000","accountNumber":"1","bankCode":"VCB"},
		{"transactionId":"D","amount":0},
		"not an object"
	]}`)

	txs, _ := Normalize(payload)
	if len(txs) != 4 {
		t.Fatalf("got %d transactions, want 4", len(txs))
	}
	want := []struct {
		id     string
		amount int64
		dir    models.Direction
	}{
		{"A", 50000, models.Debit},
		{"B", 70000, models.Credit},
		{"C", 120000, models.Credit},
		{"D", 0, models.Debit},
	}
	for i, w := range want {
		if txs[i].TransactionID != w.id || txs[i].Amount != w.amount || txs[i].Direction != w.dir {
			t.Errorf("tx[%d] = {%s %d %s}, want {%s %d %s}", i,
				txs[i].TransactionID, txs[i].Amount, txs[i].Direction, w.id, w.amount, w.dir)
		}
	}
}

func TestNormalizeSingleCredit(t *testing.T) {
	payload := mustDecode(t, `{"id":92704,"gateway":"MBBank","transactionDate":"2024-07-25 14:02:37","accountNumber":"0773702777","content":"Thanh toan ORDLZ3K9F2XQ7A","transferType":"out","transferAmount":2277000,"referenceCode":"MBVCB.3278907687"}`)

	txs, shape := Normalize(payload)
	if shape != "single-credit" {
		t.Fatalf("shape = %q, want single-credit", shape)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Direction != models.Credit {
		t.Errorf("Direction = %q, want credit regardless of markers", tx.Direction)
	}
	if tx.Amount != 2277000 {
		t.Errorf("Amount = %d", tx.Amount)
	}
	if tx.TransactionID != "MBVCB.3278907687" {
		t.Errorf("TransactionID = %q", tx.TransactionID)
	}
	if tx.BankCode != "MBBank" {
		t.Errorf("BankCode = %q", tx.BankCode)
	}
	want := time.Date(2024, 7, 25, 14, 2, 37, 0, time.UTC)
	if !tx.TransactionDate.Equal(want) {
		t.Errorf("TransactionDate = %v, want %v", tx.TransactionDate, want)
	}
}

func TestNormalizeBareArray(t *testing.T) {
	payload := mustDecode(t, `[{"transaction_id":"X1","creditAmount":"99000.4","memo":"ORD-Q1W2E3"},{"id":"X2","amount":-1}]`)

	txs, shape := Normalize(payload)
	if shape != "bare-array" {
		t.Fatalf("shape = %q, want bare-array", shape)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].Amount != 99000 || txs[0].Direction != models.Credit || txs[0].Description != "ORD-Q1W2E3" {
		t.Errorf("tx[0] = %+v", txs[0])
	}
	if txs[1].Amount != 1 || txs[1].Direction != models.Debit {
		t.Errorf("tx[1] = %+v", txs[1])
	}
}

func TestNormalizeBareObject(t *testing.T) {
	tests := []struct {
		name string
		body string
		dir  models.Direction
		amt  int64
	}{
		{"explicit debit wins over sign", `{"transactionId":"Z","amount":5000,"type":"debit"}`, models.Debit, 5000},
		{"explicit credit", `{"transactionId":"Z","amount":-5000,"type":"credit"}`, models.Credit, 5000},
		{"sign positive", `{"amount":5000}`, models.Credit, 5000},
		{"sign negative", `{"amount":"-5000"}`, models.Debit, 5000},
		{"missing amount", `{"transactionId":"Z"}`, models.Debit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, shape := Normalize(mustDecode(t, tt.body))
			if shape != "bare-object" || len(txs) != 1 {
				t.Fatalf("shape=%q len=%d", shape, len(txs))
			}
			if txs[0].Direction != tt.dir {
				t.Errorf("Direction = %q, want %q", txs[0].Direction, tt.dir)
			}
			if txs[0].Amount != tt.amt {
				t.Errorf("Amount = %d, want %d", txs[0].Amount, tt.amt)
			}
		})
	}
}

func TestNormalizeUnrecognized(t *testing.T) {
	for _, body := range []string{`{"hello":"world"}`, `"string"`, `42`, `null`, `{"data":{"tid":"T"}}`} {
		txs, shape := Normalize(mustDecode(t, body))
		if shape != "" || len(txs) != 0 {
			t.Errorf("Normalize(%s) = %d txs, shape %q; want none", body, len(txs), shape)
		}
	}
}

func TestNormalizeAmountsNeverNegative(t *testing.T) {
	bodies := []string{
		`{"data":[{"amount":-1},{"amount":"-2,500"},{"amount":3}]}`,
		`{"transferAmount":-10}`,
		`[{"amount":-7.6}]`,
		`{"amount":-9}`,
		`{"data":[{"tid":"T1","amount":9223372036854775808}]}`,
		`{"data":[{"tid":"T2","amount":"18446744073709551617"}]}`,
		`{"data":[{"tid":"T3","amount":-9223372036854775809}]}`,
	}
	for _, body := range bodies {
		txs, _ := Normalize(mustDecode(t, body))
		for _, tx := range txs {
			if tx.Amount < 0 {
				t.Errorf("Normalize(%s) produced negative amount %d", body, tx.Amount)
			}
		}
	}
}

func TestNormalizeOutOfRangeAmount(t *testing.T) {
	// wraps to 150000 if converted naively
	txs, shape := Normalize(mustDecode(t, `{"content":"Thanh toan ORD-ABC123","transferAmount":18446744073709701616}`))
	if shape != "single-credit" || len(txs) != 1 {
		t.Fatalf("Normalize = %d txs as %q", len(txs), shape)
	}
	if txs[0].Amount != 0 {
		t.Errorf("expected out-of-range amount to become 0, got %d", txs[0].Amount)
	}

	txs, _ = Normalize(mustDecode(t, `{"data":[{"amount":9223372036854775807},{"amount":"9223372036854775807.4"}]}`))
	for i, tx := range txs {
		if tx.Amount != math.MaxInt64 {
			t.Errorf("tx[%d] amount = %d, want the int64 maximum", i, tx.Amount)
		}
	}
}

func TestNormalizeUnixTimestamps(t *testing.T) {
	txs, _ := Normalize(mustDecode(t, `{"data":[{"amount":1,"when":1700000000},{"amount":1,"when":1700000000000}]}`))
	want := time.Unix(1700000000, 0).UTC()
	for i, tx := range txs {
		if !tx.TransactionDate.Equal(want) {
			t.Errorf("tx[%d] date = %v, want %v", i, tx.TransactionDate, want)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, body := range []string{`{`, `{"a":1} {"b":2}`, ``} {
		if _, err := DecodeBytes([]byte(body)); err == nil {
			t.Errorf("DecodeBytes(%q) expected error", body)
		}
	}
}
