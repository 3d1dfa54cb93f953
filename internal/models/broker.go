package models

import (
	"fmt"
	"time"
)

// AuthToken is a gateway session token with its expiry.
type AuthToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// ExpiresWithin reports whether the token is missing or expires inside the
// given window.
func (t *AuthToken) ExpiresWithin(window time.Duration) bool {
	if t.Token == "" {
		return true
	}
	return !time.Now().Add(window).Before(t.Expiry)
}

// Account is a tradable account at the gateway.
type Account struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	IsVisible bool    `json:"isVisible"`
	Simulated bool    `json:"simulated"`
}

// Contract is a tradable futures contract at the gateway.
type Contract struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	ActiveContract bool    `json:"activeContract"`
}

// OrderType identifies how an order executes.
type OrderType string

// OrderType constants
const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest describes an order submission.
type OrderRequest struct {
	AccountID  string    `json:"accountId"`
	ContractID string    `json:"contractId"`
	Side       Side      `json:"side"` // LONG buys, SHORT sells
	Quantity   int       `json:"quantity"`
	Type       OrderType `json:"type"`
	LimitPrice float64   `json:"limitPrice,omitempty"`
	CustomTag  string    `json:"customTag,omitempty"`
}

// Validate checks the request before it is sent to the gateway.
func (r *OrderRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("order accountId is required")
	}
	if r.ContractID == "" {
		return fmt.Errorf("order contractId is required")
	}
	if r.Side != SideLong && r.Side != SideShort {
		return fmt.Errorf("order side must be LONG or SHORT, got %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", r.Quantity)
	}
	switch r.Type {
	case OrderMarket:
	case OrderLimit:
		if r.LimitPrice <= 0 {
			return fmt.Errorf("limit order requires a positive limitPrice")
		}
	default:
		return fmt.Errorf("order type must be MARKET or LIMIT, got %q", r.Type)
	}
	return nil
}

// OrderResult is the gateway's answer to an order submission.
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BrokerConnection is the credential document stored at connection.json.
type BrokerConnection struct {
	UserName    string    `json:"userName"`
	APIKey      string    `json:"apiKey"`
	APIURL      string    `json:"apiUrl,omitempty"`
	MarketURL   string    `json:"marketUrl,omitempty"`
	AutoConnect bool      `json:"autoConnect"`
	LastSaved   time.Time `json:"lastSaved,omitempty"`
}
