// Package txlog holds the append-only record of committed transitions.
//
// A Log is not safe for concurrent use on its own; the exchange owns it and
// only touches it from inside its exclusive section.
package txlog

import "github.com/xtrntr/tokenexchange/internal/models"

// Log is an append-only sequence of transaction records numbered from 0
type Log struct {
	records []models.TransactionRecord
}

// New creates an empty log
func New() *Log {
	return &Log{}
}

// Append stores the record under the next sequence number and returns it.
// The sequence field of the passed record is overwritten.
func (l *Log) Append(record models.TransactionRecord) uint64 {
	seq := uint64(len(l.records))
	record.Sequence = seq
	l.records = append(l.records, record)
	return seq
}

// Count returns the number of records
func (l *Log) Count() uint64 {
	return uint64(len(l.records))
}

// At returns the record with the given sequence number
func (l *Log) At(seq uint64) (models.TransactionRecord, bool) {
	if seq >= uint64(len(l.records)) {
		return models.TransactionRecord{}, false
	}
	return detach(l.records[seq]), true
}

// Range returns up to limit records newest first, after skipping the offset
// most recent ones. Output position i holds sequence n-1-offset-i.
func (l *Log) Range(offset, limit uint64) []models.TransactionRecord {
	n := uint64(len(l.records))
	if offset >= n || limit == 0 {
		return []models.TransactionRecord{}
	}
	available := n - offset
	if limit > available {
		limit = available
	}

	out := make([]models.TransactionRecord, limit)
	for i := uint64(0); i < limit; i++ {
		out[i] = detach(l.records[n-1-offset-i])
	}
	return out
}

// detach copies the amount fields so callers cannot reach stored values
func detach(r models.TransactionRecord) models.TransactionRecord {
	if r.AssetAmount != nil {
		r.AssetAmount = r.AssetAmount.Clone()
	}
	if r.Price != nil {
		r.Price = r.Price.Clone()
	}
	return r
}
