package utils

import "sync"

// AvgVal is a running mean, safe for concurrent use.
type AvgVal struct {
	lock  sync.Mutex
	mean  float64
	count int
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.count++
	a.mean += (val - a.mean) / float64(a.count)
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.mean
}

