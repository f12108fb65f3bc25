// Package gc implements the two-pass garbage collector (C8): revisions
// first, then unreferenced objects.
//
// Grounded on spec.md §4.8. statfs-based free-space accounting and the
// nlink==1 object heuristic use the standard library's syscall package
// directly — see DESIGN.md for why no ecosystem dependency fits
// narrowly OS-specific calls like these.
package gc

import (
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/objects"
	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/revision"
)

// Pinned supplies the set of revisions/objects that must survive a GC
// pass (spec.md §4.8), computed by the caller from live controller
// state rather than looked up by gc itself (SPEC_FULL.md "no global
// mutable state" decision, grounded on spec.md §REDESIGN FLAGS).
type Pinned struct {
	Current      string
	RunningRev   string
	PendingRev   string
	BootloaderPvRev string
	KeepFactory  bool
	PendingObjectIDs map[string]bool
}

func (p Pinned) revisionPinned(rev string) bool {
	if rev == p.Current || rev == p.RunningRev || rev == p.PendingRev || rev == p.BootloaderPvRev {
		return true
	}
	if p.KeepFactory && rev == revision.FactoryRev {
		return true
	}
	return false
}

// Collector runs GC passes over a revision store and object store.
type Collector struct {
	revs    *revision.Store
	objs    *objects.Store
	mnt     string
	log     *logrus.Entry
}

// New returns a Collector rooted at mnt (used for statfs).
func New(log *logrus.Entry, mnt string, revs *revision.Store, objs *objects.Store) *Collector {
	return &Collector{revs: revs, objs: objs, mnt: mnt, log: log}
}

// Usage is the result of the spec.md §4.8 free-space computation.
type Usage struct {
	TotalBytes     uint64
	FreeBytes      uint64
	ReservedBytes  uint64
	RealFreeBytes  uint64
	RealFreePercent float64
}

// Statfs computes real_free_percent for reservedPercent (storage.gc.reserved).
func Statfs(mnt string, reservedPercent int) (Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(mnt, &st); err != nil {
		return Usage{}, perr.Wrap(perr.Transient, err, "statfs %s", mnt)
	}
	total := uint64(st.Bsize) * st.Blocks
	free := uint64(st.Bsize) * st.Bfree
	reserved := total * uint64(reservedPercent) / 100
	var realFree uint64
	if free > reserved {
		realFree = free - reserved
	}
	var pct float64
	if total > 0 {
		pct = float64(realFree) * 100 / float64(total)
	}
	return Usage{
		TotalBytes:      total,
		FreeBytes:       free,
		ReservedBytes:   reserved,
		RealFreeBytes:   realFree,
		RealFreePercent: pct,
	}, nil
}

// ShouldRun reports whether real_free_percent has crossed below threshold
// (spec.md §4.8 trigger condition).
func ShouldRun(mnt string, reservedPercent, thresholdPercent int) (bool, Usage, error) {
	u, err := Statfs(mnt, reservedPercent)
	if err != nil {
		return false, u, err
	}
	return u.RealFreePercent < float64(thresholdPercent), u, nil
}

// Result summarises one GC run, for logging (spec.md §4.8 "Accumulate
// reclaimed bytes and log").
type Result struct {
	RemovedRevs     []string
	RemovedObjects  []string
	ReclaimedBytes  int64
}

// Run executes pass 1 (revisions) then pass 2 (objects).
func (c *Collector) Run(pinned Pinned) (Result, error) {
	var result Result

	revs, err := c.revs.ListRevs()
	if err != nil {
		return result, err
	}
	for _, rev := range revs {
		if pinned.revisionPinned(rev) {
			continue
		}
		if err := c.revs.RemoveRev(rev); err != nil {
			return result, err
		}
		result.RemovedRevs = append(result.RemovedRevs, rev)
		if c.log != nil {
			c.log.WithField("rev", rev).Info("gc: removed revision")
		}
	}

	ids, err := c.objs.ListIDs()
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if pinned.PendingObjectIDs != nil && pinned.PendingObjectIDs[id] {
			continue
		}
		info, err := c.objs.Stat(id)
		if err != nil {
			continue // already gone; another GC race or concurrent unlink
		}
		if !nlinkIsOne(info) {
			continue
		}
		size := info.Size()
		if err := c.objs.Unlink(id); err != nil {
			return result, err
		}
		result.RemovedObjects = append(result.RemovedObjects, id)
		result.ReclaimedBytes += size
	}

	if c.log != nil {
		c.log.WithField("bytes", result.ReclaimedBytes).
			WithField("revs", len(result.RemovedRevs)).
			WithField("objects", len(result.RemovedObjects)).
			Info("gc: run complete")
	}
	return result, nil
}
