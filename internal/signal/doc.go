// Package signal delivers out-of-band notifications to the one listener
// waiting on a key. Hub is in-process; Relay carries messages between
// processes through Redis pub/sub and feeds the local Hub.
package signal
