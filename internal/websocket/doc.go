// Package websocket is the live activation feed for admin clients.
//
// The Hub fans activation events out to every connected client. Publishing
// never blocks the caller: when the broadcast queue is full the event is
// dropped and counted, and a client whose send buffer is full is
// disconnected.
package websocket
