package poller

import "time"

// effectiveInterval stretches the base interval once a job has failed
// AfterFailures times in a row: one doubling per extra failure, capped at
// MaxInterval. Below the threshold, and with no policy configured, the base
// interval is used unchanged. The job is never disabled by failures.
func effectiveInterval(base time.Duration, failures int, p *BackoffPolicy) time.Duration {
	if p == nil || p.AfterFailures < 1 || failures < p.AfterFailures {
		return base
	}
	cap := p.MaxInterval
	if cap <= base {
		return base
	}
	iv := base
	for i := failures - p.AfterFailures; i >= 0; i-- {
		iv *= 2
		if iv >= cap || iv <= 0 {
			return cap
		}
	}
	return iv
}
