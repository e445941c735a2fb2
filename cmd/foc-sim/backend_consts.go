package main

import "time"

const (
	txQueueSize       = 1024 // capacity of async TX ring
	serialReadBufSize = 4096 // per read() buffer for the serial backend
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond

	// bounds a blocked socket read so the RX loop sees shutdown
	socketCANReadTimeout = 200 * time.Millisecond
)
