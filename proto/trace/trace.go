// Package trace reads and writes rename cycle traces as JSON lines, one
// rename.Cycle per line. Blank lines are skipped on read.
package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"

	"github.com/yanghaoming95/riscv-boom/proto/rename"
)

const maxLine = 1 << 20

type Writer struct {
	w *bufio.Writer
	n uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one cycle.
func (w *Writer) Write(c *rename.Cycle) error {
	data, err := sonnet.Marshal(c)
	if err != nil {
		return fmt.Errorf("trace: cycle %d: %w", w.n, err)
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	w.n++
	return w.w.WriteByte('\n')
}

// Count returns the number of cycles written.
func (w *Writer) Count() uint64 { return w.n }

func (w *Writer) Flush() error { return w.w.Flush() }

type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{sc: sc}
}

// Next returns the next cycle, or io.EOF after the last one.
func (r *Reader) Next() (rename.Cycle, error) {
	for r.sc.Scan() {
		r.line++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var c rename.Cycle
		if err := sonnet.Unmarshal(line, &c); err != nil {
			return rename.Cycle{}, fmt.Errorf("trace: line %d: %w", r.line, err)
		}
		return c, nil
	}
	if err := r.sc.Err(); err != nil {
		return rename.Cycle{}, fmt.Errorf("trace: line %d: %w", r.line+1, err)
	}
	return rename.Cycle{}, io.EOF
}

// ReadAll reads every cycle of r.
func ReadAll(r io.Reader) ([]rename.Cycle, error) {
	tr := NewReader(r)
	var out []rename.Cycle
	for {
		c, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}
