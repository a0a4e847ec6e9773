// Package integration holds end-to-end tests that run the assembled server
// over real HTTP and websocket connections.
package integration
