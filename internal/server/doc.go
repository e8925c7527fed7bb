// Package server exposes capture sessions over HTTP and websockets.
// The HTTP API creates recordings, accepts raw float32 chunks, and drives
// pause, resume, stop and cancel. The websocket endpoint carries the same
// lifecycle as binary frames. Monitoring endpoints and Prometheus metrics
// are served alongside.
package server
