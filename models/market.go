package models

import "github.com/shopspring/decimal"

// Market is one tradable pair together with its 24h volume.
type Market struct {
	Symbol     string          `json:"symbol"`
	BaseAsset  string          `json:"base_asset"`
	QuoteAsset string          `json:"quote_asset"`
	Volume     decimal.Decimal `json:"volume"`
	USDVolume  decimal.Decimal `json:"usd_volume"`
}
