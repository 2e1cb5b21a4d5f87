package transport

import "time"

// ticker is a time.Ticker whose channel stays nil, and so never fires, when
// keepalives are disabled.
type ticker struct {
	C <-chan time.Time
	t *time.Ticker
}

func newTicker(interval time.Duration) ticker {
	if interval <= 0 {
		return ticker{}
	}
	t := time.NewTicker(interval)
	return ticker{C: t.C, t: t}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
