package particlefile

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// pageRecords is the number of records a cursor reads per column at once.
const pageRecords = 4096

// Cursor iterates over the records of a File:
//
//	c := f.Records()
//	for c.Next() {
//		rec := c.Record()
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	f          *File
	start, end int64
	pred       func(Record) bool

	next     int64
	bufStart int64
	bufLen   int
	bufs     [numColumns][]float64

	rec Record
	idx int64
	err error
}

// Records returns a cursor over every record in file order. Each call
// starts over from the first record.
func (f *File) Records() *Cursor {
	return f.RecordsRange(0, f.count)
}

// RecordsRange returns a cursor over the records with index in
// [start, end).
func (f *File) RecordsRange(start, end int64) *Cursor {
	c := &Cursor{f: f, start: start, end: end, next: start, idx: -1}
	if start < 0 || end > f.count || start > end {
		c.err = fmt.Errorf("record range [%d, %d) outside [0, %d)", start, end, f.count)
	}
	return c
}

// RecordsWhere returns a cursor over the records for which keep returns
// true, for example the particles inside one process's sub-domain.
func (f *File) RecordsWhere(keep func(Record) bool) *Cursor {
	c := f.Records()
	c.pred = keep
	return c
}

// Next advances to the next record. It returns false when the records are
// exhausted or a read failed.
func (c *Cursor) Next() bool {
	for {
		if c.err != nil || c.next >= c.end {
			return false
		}
		if c.next >= c.bufStart+int64(c.bufLen) {
			if err := c.fill(); err != nil {
				c.err = err
				return false
			}
		}
		rec := c.record(int(c.next - c.bufStart))
		c.idx = c.next
		c.next++
		if c.pred == nil || c.pred(rec) {
			c.rec = rec
			return true
		}
	}
}

// Record returns the current record.
func (c *Cursor) Record() Record { return c.rec }

// Index returns the file index of the current record.
func (c *Cursor) Index() int64 { return c.idx }

// Err returns the error that stopped the iteration, if any.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fill() error {
	n := int(min(int64(pageRecords), c.end-c.next))
	for col, comp := range c.f.columns {
		if comp == nil {
			continue
		}
		if cap(c.bufs[col]) < n {
			c.bufs[col] = make([]float64, n)
		}
		buf := c.bufs[col][:n]
		if err := c.f.pf.ReadValues(comp, c.next, buf); err != nil {
			return &ParticleLoadError{Path: c.f.path, Reason: err.Error()}
		}
		scale := comp.Scale()
		for i := range buf {
			buf[i] *= scale
		}
		c.bufs[col] = buf
	}
	c.bufStart = c.next
	c.bufLen = n
	return nil
}

func (c *Cursor) record(i int) Record {
	col := func(k int) float64 {
		if c.f.columns[k] == nil {
			return 0
		}
		return c.bufs[k][i]
	}
	rec := Record{
		Position: r3.Vec{X: col(colPosX), Y: col(colPosY), Z: col(colPosZ)},
		Momentum: r3.Vec{X: col(colMomX), Y: col(colMomY), Z: col(colMomZ)},
		Weight:   1,
	}
	if c.f.columns[colWeight] != nil {
		rec.Weight = col(colWeight)
	}
	if c.f.columns[colMass] != nil {
		m := col(colMass)
		rec.Mass = &m
	}
	if c.f.columns[colCharge] != nil {
		q := col(colCharge)
		rec.Charge = &q
	}
	return rec
}
