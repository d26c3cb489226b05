// Package prometheus renders otpauth engine counters in the Prometheus text
// exposition format without depending on a Prometheus client library.
package prometheus
