package sysinfo

import "time"

const (
	maxHealthyCPU   = 85.0
	maxHealthyRSSMB = 1024.0
)

// Health describes this process. SystemUptimeSeconds is zero where the
// platform cannot report it.
type Health struct {
	Healthy             bool    `cbor:"healthy" json:"healthy"`
	CPUPercent          float64 `cbor:"cpu_percent" json:"cpu_percent"`
	RSSMB               float64 `cbor:"rss_mb" json:"rss_mb"`
	UptimeSeconds       float64 `cbor:"uptime_seconds" json:"uptime_seconds"`
	SystemUptimeSeconds float64 `cbor:"system_uptime_seconds" json:"system_uptime_seconds"`
	Goroutines          int     `cbor:"goroutines" json:"goroutines"`
}

// Health samples this process. CPU is measured since the previous call,
// or since start for the first one.
func (c *Collector) Health() (Health, error) {
	now := time.Now()
	cpu, err := processCPU()
	if err != nil {
		return Health{}, err
	}
	rss, err := processRSS()
	if err != nil {
		return Health{}, err
	}

	c.mu.Lock()
	since, prev := c.lastSample, c.lastCPU
	if since.IsZero() {
		since, prev = c.started, 0
	}
	c.lastSample, c.lastCPU = now, cpu
	c.mu.Unlock()

	h := Health{
		CPUPercent:    cpuPercent(cpu-prev, now.Sub(since)),
		RSSMB:         float64(rss) / (1024 * 1024),
		UptimeSeconds: now.Sub(c.started).Seconds(),
		Goroutines:    goroutines(),
	}
	if up, err := SystemUptime(); err == nil {
		h.SystemUptimeSeconds = up.Seconds()
	}
	h.Healthy = h.CPUPercent < maxHealthyCPU && h.RSSMB < maxHealthyRSSMB
	return h, nil
}

func cpuPercent(used, wall time.Duration) float64 {
	if wall <= 0 || used < 0 {
		return 0
	}
	return float64(used) / float64(wall) * 100
}
