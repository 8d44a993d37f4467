package dwmmc

import (
	"errors"
	"fmt"
)

var errNoRun = errors.New("dwmmc: no passing phase window")

// SelectPhase returns the sampling phase to use given a bitmap of the
// n phases that passed tuning. The bitmap is circular: it is doubled
// so runs wrap from phase n-1 to phase 0. The result is the lower
// median of the longest run of passing phases, which must be at least
// minRun long.
//
// Ties go to the run starting at the lowest phase, except that when
// exactly two runs tie and prev is a known good phase (>= 0), the run
// whose median is circularly closest to prev wins. If every phase
// passes, the result is (n-1)/2.
func SelectPhase(bitmap uint32, n, minRun, prev int) (int, error) {
	if n <= 0 || n > 32 {
		return 0, fmt.Errorf("dwmmc: invalid phase count %d", n)
	}
	all := uint32(1<<n - 1)
	bitmap &= all
	if bitmap == 0 {
		return 0, errNoRun
	}
	if bitmap == all {
		return (n - 1) / 2, nil
	}
	doubled := uint64(bitmap) | uint64(bitmap)<<n
	pass := func(i int) bool {
		return doubled>>i&1 != 0
	}
	type run struct {
		start, len int
	}
	var best []run
	for s := 0; s < n; s++ {
		if !pass(s) || pass((s+n-1)%n) {
			continue
		}
		l := 0
		for l < n && pass(s+l) {
			l++
		}
		switch {
		case len(best) == 0 || l > best[0].len:
			best = append(best[:0], run{s, l})
		case l == best[0].len:
			best = append(best, run{s, l})
		}
	}
	if best[0].len < minRun {
		return 0, fmt.Errorf("%w: longest run %d, need %d", errNoRun, best[0].len, minRun)
	}
	median := func(r run) int {
		return (r.start + (r.len-1)/2) % n
	}
	pick := best[0]
	if len(best) == 2 && prev >= 0 {
		if distance(median(best[1]), prev, n) < distance(median(best[0]), prev, n) {
			pick = best[1]
		}
	}
	return median(pick), nil
}

// distance is the circular distance between phases a and b.
func distance(a, b, n int) int {
	d := (a - b + n) % n
	return min(d, n-d)
}
