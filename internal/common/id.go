package common

import (
	"github.com/google/uuid"
)

// NewInstanceID generates a unique trading instance ID
// Format: inst_<uuid>
func NewInstanceID() string {
	return "inst_" + uuid.New().String()
}

// NewBacktestID generates a unique backtest run ID
// Format: bt_<uuid>
func NewBacktestID() string {
	return "bt_" + uuid.New().String()
}

// NewBacktestDefinitionID generates a unique backtest definition ID
// Format: btd_<uuid>
func NewBacktestDefinitionID() string {
	return "btd_" + uuid.New().String()
}

// NewTradeID generates a unique closed-trade ID
// Format: trade_<uuid>
func NewTradeID() string {
	return "trade_" + uuid.New().String()
}
