// Package budget implements the resident-memory accounting for the loader.
package budget

import (
	"github.com/weightfs/weightfs/pkg/logging"
	"github.com/weightfs/weightfs/pkg/types"
)

// Ledger tracks resident bytes against a configured ceiling. One ledger
// exists per loader context; the loader serializes access, so the ledger
// itself carries no lock.
type Ledger struct {
	residentBytes int64
	peakBytes     int64
	ceilingBytes  int64

	// admitThresholdBytes is the soft mark above which eviction becomes
	// eligible before the hard ceiling is struck. Zero disables the soft
	// threshold, making it equal to the ceiling.
	admitThresholdBytes int64

	log *logging.Logger
}

// New creates a ledger with the given hard ceiling and optional soft
// admit threshold.
func New(ceilingBytes, admitThresholdBytes int64, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.Discard()
	}
	return &Ledger{
		ceilingBytes:        ceilingBytes,
		admitThresholdBytes: admitThresholdBytes,
		log:                 log.WithComponent("budget"),
	}
}

// CanAdmit reports whether bytes more can be made resident without breaching
// the hard ceiling.
func (l *Ledger) CanAdmit(bytes int64) bool {
	return l.residentBytes+bytes <= l.ceilingBytes
}

// AboveAdmitThreshold reports whether admitting bytes would cross the soft
// threshold. Advisory only: admission is always judged against the hard
// ceiling, and the loader never evicts on the soft mark. Callers that want
// to shed load early can poll this and release layers themselves.
func (l *Ledger) AboveAdmitThreshold(bytes int64) bool {
	threshold := l.admitThresholdBytes
	if threshold <= 0 {
		threshold = l.ceilingBytes
	}
	return l.residentBytes+bytes > threshold
}

// Admit records bytes as resident and updates the peak.
func (l *Ledger) Admit(bytes int64) {
	l.residentBytes += bytes
	if l.residentBytes > l.peakBytes {
		l.peakBytes = l.residentBytes
	}
}

// Release subtracts bytes from the resident total. Releasing more than is
// resident indicates a bookkeeping bug upstream; the ledger clamps to zero
// and logs a diagnostic rather than failing, because freeing memory must
// never itself fail.
func (l *Ledger) Release(bytes int64) {
	if bytes > l.residentBytes {
		l.log.Warn("release underflow clamped", map[string]interface{}{
			"release_bytes":  bytes,
			"resident_bytes": l.residentBytes,
		})
		l.residentBytes = 0
		return
	}
	l.residentBytes -= bytes
}

// ResidentBytes returns the current resident total.
func (l *Ledger) ResidentBytes() int64 {
	return l.residentBytes
}

// PeakBytes returns the high-water mark of the resident total.
func (l *Ledger) PeakBytes() int64 {
	return l.peakBytes
}

// CeilingBytes returns the configured hard ceiling.
func (l *Ledger) CeilingBytes() int64 {
	return l.ceilingBytes
}

// SetCeiling replaces the hard ceiling. Callers are responsible for evicting
// down to the new ceiling first; the ledger does not enforce it retroactively.
func (l *Ledger) SetCeiling(bytes int64) {
	l.ceilingBytes = bytes
}

// PressureRatio returns resident bytes as a fraction of the ceiling. Values
// above 1.0 indicate a transient overshoot during an in-flight transaction.
func (l *Ledger) PressureRatio() float64 {
	if l.ceilingBytes <= 0 {
		return 0
	}
	return float64(l.residentBytes) / float64(l.ceilingBytes)
}

// Snapshot returns a point-in-time view of the ledger. LoadedLayers is filled
// in by the loader, which owns the registry.
func (l *Ledger) Snapshot() types.MemorySnapshot {
	return types.MemorySnapshot{
		ResidentBytes: l.residentBytes,
		PeakBytes:     l.peakBytes,
		CeilingBytes:  l.ceilingBytes,
		PressureRatio: l.PressureRatio(),
	}
}
