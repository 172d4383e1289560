package engine

import "github.com/prometheus/client_golang/prometheus"

// Correlation records where the response for an upstream exchange must go:
// the accept reply destination and the correlation id the downstream caller
// used when it opened the request.
type Correlation struct {
	Source string
	ID     uint64

	exchange *clientExchange
}

// Correlations maps connection correlation ids to pending downstream targets.
// Entries are claimed by removal so each correlation resolves at most once,
// either by forwarding the response or by failure synthesis. A table belongs
// to a single worker; identifiers carry the owning worker's tag.
type Correlations struct {
	entries map[uint64]Correlation
	gauge   prometheus.Gauge
}

// NewCorrelations creates an empty table. gauge may be nil.
func NewCorrelations(gauge prometheus.Gauge) *Correlations {
	return &Correlations{
		entries: make(map[uint64]Correlation),
		gauge:   gauge,
	}
}

// Put registers the downstream target awaiting the response for id.
func (c *Correlations) Put(id uint64, corr Correlation) {
	c.entries[id] = corr
	c.observe()
}

// Lookup returns the entry for id without claiming it.
func (c *Correlations) Lookup(id uint64) (Correlation, bool) {
	corr, ok := c.entries[id]
	return corr, ok
}

// Remove claims the entry for id. Only the first caller observes ok == true.
func (c *Correlations) Remove(id uint64) (Correlation, bool) {
	corr, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
		c.observe()
	}
	return corr, ok
}

// Len returns the number of unresolved correlations.
func (c *Correlations) Len() int {
	return len(c.entries)
}

func (c *Correlations) observe() {
	if c.gauge != nil {
		c.gauge.Set(float64(len(c.entries)))
	}
}
