package consensus

import "time"

// nowMillis is the leader clock stamped onto entries it appends; followers
// never substitute their own wall clock when applying them (spec section
// 4.C, session expiry).
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
