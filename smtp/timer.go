package smtp

import "time"

// armTimer starts the single inactivity timer described in spec.md §4.4:
// it fires once per socketTimeout; if no activity occurred in that
// window it sends 421 and closes, otherwise it reschedules for the
// remaining slice. Every inbound chunk only refreshes lastActivity
// (touchActivity) without rearming anything, keeping the drain path O(1).
func (c *conn) armTimer() {
	if c.cfg.SocketTimeout <= 0 {
		return
	}
	c.timer = time.AfterFunc(c.cfg.SocketTimeout, c.onTimerFire)
}

func (c *conn) onTimerFire() {
	if c.closed {
		return
	}
	c.activityMu.Lock()
	elapsed := time.Since(c.lastActivity)
	c.activityMu.Unlock()

	if elapsed >= c.cfg.SocketTimeout {
		c.writeLine(c.cfg.buildReply(421, "", "", "Timeout - closing connection"))
		c.scheduleClose()
		return
	}
	remaining := c.cfg.SocketTimeout - elapsed
	c.timer = time.AfterFunc(remaining, c.onTimerFire)
}
