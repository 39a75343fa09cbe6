package broker

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// int64s travel as JSON strings in the REST gateway, but older gateways
// send plain numbers; accept both.
type flexInt int64

func (v *flexInt) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*v = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*v = flexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = flexInt(n)
	return nil
}

// quotation is a fixed-point number split into integer units and billionths.
type quotation struct {
	Units flexInt `json:"units"`
	Nano  int32   `json:"nano"`
}

// moneyValue is a quotation tagged with its currency.
type moneyValue struct {
	Currency string  `json:"currency"`
	Units    flexInt `json:"units"`
	Nano     int32   `json:"nano"`
}

func (q *quotation) Decimal() decimal.Decimal {
	if q == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(q.Units)).Add(decimal.New(int64(q.Nano), -9))
}

func (q *quotation) Float() float64 {
	return q.Decimal().InexactFloat64()
}

func (m *moneyValue) Float() float64 {
	if m == nil {
		return 0
	}
	q := quotation{Units: m.Units, Nano: m.Nano}
	return q.Float()
}
