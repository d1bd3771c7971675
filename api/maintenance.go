package api

import "time"

const limiterSweepInterval = 10 * time.Minute

// startMaintenance drops idle rate-limit records until Close is called.
func (a *API) startMaintenance(interval time.Duration) {
	a.stopMaintenance = make(chan struct{})
	a.maintenanceDone = make(chan struct{})
	go func() {
		defer close(a.maintenanceDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopMaintenance:
				return
			case <-ticker.C:
				a.sweepLimiters()
			}
		}
	}()
}

func (a *API) sweepLimiters() {
	for _, l := range []*backoffLimiter{a.loginLimiter, a.loginIPLimiter, a.regIPLimiter, a.cliInitLimiter} {
		l.sweep()
	}
}
