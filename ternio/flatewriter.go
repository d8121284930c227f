package ternio

import (
	"fmt"

	"github.com/mjl-/flate"
)

// FlateWriter wraps a flate.Writer and ensures no Write/Flush/Close is done
// again on the underlying flate writer after a panic came out of it (e.g.
// raised by the destination writer). After a panic the flate writer state is
// inconsistent and writing again would produce corrupt compressed data.
type FlateWriter struct {
	w     *flate.Writer
	panic any
}

func NewFlateWriter(w *flate.Writer) *FlateWriter {
	return &FlateWriter{w, nil}
}

func (w *FlateWriter) checkBroken() {
	if w.panic != nil {
		panic(fmt.Errorf("writing to flate writer after previous panic: %v", w.panic))
	}
}

func (w *FlateWriter) Write(data []byte) (int, error) {
	w.checkBroken()
	defer w.catchPanic()
	return w.w.Write(data)
}

func (w *FlateWriter) Flush() error {
	w.checkBroken()
	defer w.catchPanic()
	return w.w.Flush()
}

func (w *FlateWriter) Close() error {
	w.checkBroken()
	defer w.catchPanic()
	return w.w.Close()
}

func (w *FlateWriter) catchPanic() {
	x := recover()
	if x != nil {
		w.panic = x
		panic(x)
	}
}
