// Package attparse splits one line buffer into per-column byte slices
// honoring the dialect's escape and quote rules. The coordinator asks for
// partial parses (just enough columns to route); workers parse fully.
package attparse

// Result holds the parsed attributes of one row. It is reused across rows;
// slices inside are valid until the next parse.
type Result struct {
	Values [][]byte
	Nulls  []bool

	/* attributes actually parsed; less than len(Values) on a partial parse */
	Parsed int

	/* row OID when the dialect carries OIDs */
	OID uint32

	/* decode arena: values point into buf via offs pairs */
	buf  []byte
	offs []int
}

func NewResult(natts int) *Result {
	return &Result{
		Values: make([][]byte, natts),
		Nulls:  make([]bool, natts),
	}
}

func (r *Result) reset() {
	for i := range r.Values {
		r.Values[i] = nil
		r.Nulls[i] = false
	}
	r.Parsed = 0
	r.OID = 0
	r.buf = r.buf[:0]
	r.offs = r.offs[:0]
}

/* record one decoded value living at buf[start:end]; end < 0 means null */
func (r *Result) pushOff(start, end int) {
	r.offs = append(r.offs, start, end)
}

/* materialize Values from the arena once the buffer stops growing */
func (r *Result) materialize() {
	n := len(r.offs) / 2
	for i := 0; i < n; i++ {
		s, e := r.offs[2*i], r.offs[2*i+1]
		if e < 0 {
			r.Nulls[i] = true
			continue
		}
		r.Values[i] = r.buf[s:e]
	}
	r.Parsed = n
}
