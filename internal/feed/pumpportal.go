package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/solana"
)

// Upstream subscription methods.
const (
	methodSubscribeNewToken     = "subscribeNewToken"
	methodSubscribeTokenTrade   = "subscribeTokenTrade"
	methodUnsubscribeTokenTrade = "unsubscribeTokenTrade"
)

// Upstream transaction types.
const (
	txTypeCreate = "create"
	txTypeBuy    = "buy"
	txTypeSell   = "sell"
)

var (
	// ErrUnknownMessage is returned for messages that are neither events nor acknowledgements.
	ErrUnknownMessage = errors.New("unknown upstream message")

	// ErrInvalidMint is returned when an event carries a malformed mint address.
	ErrInvalidMint = errors.New("invalid mint address")
)

// subscribeRequest is an outbound subscription message.
type subscribeRequest struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

// upstreamMessage is the union of all inbound message shapes.
type upstreamMessage struct {
	Signature             string  `json:"signature"`
	Mint                  string  `json:"mint"`
	TraderPublicKey       string  `json:"traderPublicKey"`
	TxType                string  `json:"txType"`
	InitialBuy            float64 `json:"initialBuy"`
	TokenAmount           float64 `json:"tokenAmount"`
	SolAmount             float64 `json:"solAmount"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	MarketCapSol          float64 `json:"marketCapSol"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`

	// Acknowledgement and error envelopes
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// DecodeMessage normalizes one upstream message into a TokenEvent.
// Returns ok=false with a nil error for acknowledgements that carry no event.
func DecodeMessage(data []byte, receivedAt time.Time) (domain.TokenEvent, bool, error) {
	var msg upstreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.TokenEvent{}, false, fmt.Errorf("unmarshal message: %w", err)
	}

	if msg.TxType == "" {
		if msg.Message != "" || len(msg.Errors) > 0 {
			return domain.TokenEvent{}, false, nil
		}
		return domain.TokenEvent{}, false, ErrUnknownMessage
	}

	if !solana.IsValidAddress(msg.Mint) {
		return domain.TokenEvent{}, false, fmt.Errorf("%w: %q", ErrInvalidMint, msg.Mint)
	}

	ev := domain.TokenEvent{
		Mint:           msg.Mint,
		Actor:          msg.TraderPublicKey,
		Signature:      msg.Signature,
		QuoteAmount:    msg.SolAmount,
		VQuoteReserves: msg.VSolInBondingCurve,
		VBaseReserves:  msg.VTokensInBondingCurve,
		MarketCapQuote: msg.MarketCapSol,
		Timestamp:      receivedAt,
	}

	switch msg.TxType {
	case txTypeCreate:
		ev.Kind = domain.EventKindCreate
		ev.BaseAmount = msg.InitialBuy
		ev.Name = msg.Name
		ev.Symbol = msg.Symbol
	case txTypeBuy:
		ev.Kind = domain.EventKindTrade
		ev.Side = domain.SideBuy
		ev.BaseAmount = msg.TokenAmount
	case txTypeSell:
		ev.Kind = domain.EventKindTrade
		ev.Side = domain.SideSell
		ev.BaseAmount = msg.TokenAmount
	default:
		return domain.TokenEvent{}, false, fmt.Errorf("%w: txType %q", ErrUnknownMessage, msg.TxType)
	}

	return ev, true, nil
}
