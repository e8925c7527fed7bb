// Package metrics defines the Prometheus metrics exported by the capture service.
package metrics
