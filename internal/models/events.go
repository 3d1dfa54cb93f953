package models

// DataUpdate is the instanceDataUpdate payload: the bar touched by the last
// trade batch. IsNewBar is true when the batch opened a fresh bar and
// thereby sealed the previous one.
type DataUpdate struct {
	InstanceID string `json:"instanceId"`
	Bar        Bar    `json:"bar"`
	IsNewBar   bool   `json:"isNewBar"`
	BarCount   int    `json:"barCount"`
}

// LogEvent is the instanceLog payload: one ring entry as it was written.
type LogEvent struct {
	InstanceID string           `json:"instanceId"`
	Entry      InstanceLogEntry `json:"entry"`
}

// InstanceRef is the payload for events that only identify an instance.
type InstanceRef struct {
	InstanceID string `json:"instanceId"`
}
