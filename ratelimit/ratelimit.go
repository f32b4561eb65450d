// Package ratelimit provides a window-based rate limiter keyed on client
// IPs, used to slow connection floods.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter counts events per fixed window (e.g. the last minute), in three
// widening subnet classes of the remote IP. An event is allowed only when
// all windows and all classes are under their limits.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
	ipmasked     [3][16]byte
}

// WindowLimit holds the counters for one window, with a limit per subnet
// class.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64 // Per subnet class, narrow to wide.
	Time   uint32   // Time/Window of the counts.
	Counts map[countKey]int64
}

type countKey struct {
	Index    uint8
	IPMasked [16]byte
}

// Add attempts to consume n events for ip. If any window would exceed its
// limit, nothing is counted and false is returned. A new time interval
// resets that window's counts.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns whether n events could be consumed, without counting them.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	// Check all windows before counting in any.
	for i := range l.WindowLimits {
		wl := &l.WindowLimits[i]
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t > wl.Time || wl.Counts == nil {
			wl.Time = t
			wl.Counts = map[countKey]int64{}
		}

		for j := range 3 {
			if i == 0 {
				l.ipmasked[j] = maskIP(j, ip)
			}
			if wl.Counts[countKey{uint8(j), l.ipmasked[j]}]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	for i := range l.WindowLimits {
		for j := range 3 {
			l.WindowLimits[i].Counts[countKey{uint8(j), l.ipmasked[j]}] += n
		}
	}
	return true
}

// Reset clears the counts for ip, e.g. after a successful authentication,
// subtracting the narrow count from the wider classes too.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for i := range 3 {
		l.ipmasked[i] = maskIP(i, ip)
	}

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			continue
		}
		n := wl.Counts[countKey{0, l.ipmasked[0]}]
		for j := range 3 {
			wl.Counts[countKey{uint8(j), l.ipmasked[j]}] -= n
		}
	}
}

func maskIP(i int, ip net.IP) [16]byte {
	var masked net.IP
	if ip.To4() != nil {
		switch i {
		case 0:
			masked = ip
		case 1:
			masked = ip.Mask(net.CIDRMask(26, 32))
		case 2:
			masked = ip.Mask(net.CIDRMask(21, 32))
		}
	} else {
		switch i {
		case 0:
			masked = ip.Mask(net.CIDRMask(64, 128))
		case 1:
			masked = ip.Mask(net.CIDRMask(48, 128))
		case 2:
			masked = ip.Mask(net.CIDRMask(32, 128))
		}
	}
	return *(*[16]byte)(masked.To16())
}
