// Package health defines the health-reporting contract the engine calls
// into for operator-facing warnings. The health-reporting client itself is
// supplied by the caller; only the interface the engine calls through is
// defined here.
package health

import "time"

// ReportType enumerates the health conditions the engine raises.
type ReportType int

const (
	// ReportQueueFull warns that a queue crossed queueHealthWarningAtUsagePercent.
	ReportQueueFull ReportType = iota
	// ReportSlowAPI warns that a state-provider call ran past slowApiMonitoringInterval.
	ReportSlowAPI
	// ReportStale warns a replica's ack watermark has not advanced in slowSecondaryAgeThreshold.
	ReportStale
	// ReportOK clears a previously raised condition.
	ReportOK
)

// Report is one health event the engine raises.
type Report struct {
	Type        ReportType
	Description string
	TTL         time.Duration
}

// Reporter is the consumed capability: components call ReportHealth on a
// condition edge, never on a steady-state tick.
type Reporter interface {
	ReportHealth(r Report)
}

// NopReporter discards all reports. Useful as a default when the caller
// hasn't wired a real health client.
type NopReporter struct{}

// ReportHealth implements Reporter.
func (NopReporter) ReportHealth(Report) {}
