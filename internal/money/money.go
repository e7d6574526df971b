package money

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Add returns the sum of two amounts. Both sides must share a currency;
// callers validate that before calling.
func (m Money) Add(other Money) Money {
	return Money{Currency: m.Currency, Amount: m.Amount + other.Amount}
}
