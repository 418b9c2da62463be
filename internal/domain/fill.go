package domain

import "time"

// Fill is an acknowledged execution against a position.
// Corresponds to fills table in ClickHouse.
type Fill struct {
	ID          string    // receipt id from the executor
	TenantID    string    // owning tenant
	Mint        string    // token mint address
	Side        Side      // BUY | SELL
	Fraction    float64   // fraction of the original position sold (0 for BUY)
	AmountQuote float64   // SOL spent or received
	Price       float64   // execution price
	Reason      string    // exit reason code, ENTRY for buys
	ExecutedAt  time.Time // acknowledgment time
}
