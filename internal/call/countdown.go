package call

// Countdown is the session budget timer. It does nothing on its own:
// something has to call Tick once per second, a real ticker in
// production and the test directly otherwise.
type Countdown struct {
	remaining int
	warnAt    int
	warned    bool
}

func NewCountdown(totalSeconds, warnAtSeconds int) *Countdown {
	return &Countdown{remaining: totalSeconds, warnAt: warnAtSeconds}
}

// TickResult reports what one tick produced. Warning fires on exactly
// one tick; Expired on the tick that reaches zero.
type TickResult struct {
	Remaining int
	Warning   bool
	Expired   bool
}

func (c *Countdown) Tick() TickResult {
	if c.remaining <= 0 {
		return TickResult{Remaining: 0}
	}
	c.remaining--

	res := TickResult{Remaining: c.remaining}
	if c.remaining == 0 {
		res.Expired = true
	}
	if !c.warned && c.remaining <= c.warnAt && c.remaining > 0 {
		c.warned = true
		res.Warning = true
	}
	return res
}

func (c *Countdown) Remaining() int { return c.remaining }
