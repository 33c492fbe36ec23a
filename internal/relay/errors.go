package relay

import "errors"

// ErrSessionInactive is returned by relay_close, relay_send, and friends
// when invoked against a slot that is already inactive (the idiomatic
// analogue of the original ABI's -1 sentinel; spec §4.5, §8).
var ErrSessionInactive = errors.New("relay: session not active")
