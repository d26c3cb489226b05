// Package otel bridges otpauth engine counters to an OpenTelemetry meter.
//
// Counters become Int64ObservableCounter instruments and the verification
// latency histogram becomes one cumulative gauge per bucket plus a count,
// using the names from internaldefs.
package otel
