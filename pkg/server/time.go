package server

import "time"

// nowMillis is the leader clock stamped onto Register, KeepAlive, Command
// and Query entries proposed from an RPC handler, matching the clock consensus
// stamps onto NoOp and Configuration entries (spec section 4.C).
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
