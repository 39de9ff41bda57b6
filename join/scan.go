package join

import "time"

// Scan finds the next join key eligible to fire, honoring the
// coordinator's configured Mode (§4.3):
//
//   - Optimized: scans keys in ascending order and returns the first one
//     that is both complete and not expired; expired keys encountered
//     along the way are expired as a side effect (the periodic sweep
//     does the rest).
//   - Sequential: only the lowest-keyed join may fire. If it exists and
//     is incomplete, Scan returns ErrNoProgress even when a
//     higher-keyed join is ready (S3) — the caller should not attempt
//     any other key until the lowest one completes or expires.
//
// Scan only identifies a candidate key; the caller then passes that
// key's canonical input-slot order to TryFire.
func (c *Coordinator) Scan(now time.Time) (key int32, ok bool, err error) {
	keys := c.ReadyKeys()
	if len(keys) == 0 {
		return 0, false, nil
	}

	switch c.mode {
	case Sequential:
		lowest := keys[0]
		if c.IsExpired(lowest, now) {
			c.Expire(lowest)
			return 0, false, nil
		}
		if !c.IsComplete(lowest) {
			return 0, false, ErrNoProgress
		}
		return lowest, true, nil

	default: // Optimized
		for _, k := range keys {
			if c.IsExpired(k, now) {
				c.Expire(k)
				continue
			}
			if c.IsComplete(k) {
				return k, true, nil
			}
		}
		return 0, false, nil
	}
}
