package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// NewPrefixWriter returns a PrefixWriter that tags each line written to sink
// with "[module] ".
func NewPrefixWriter(sink io.Writer, module string) *PrefixWriter {
	return &PrefixWriter{
		Sink:   sink,
		Prefix: []byte("[" + module + "] "),
	}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for index, ch := range p {
		if ch != '\n' {
			continue
		}

		n, err := w.writeLine(p[lineStart : index+1])
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		lineStart = index + 1
	}

	if lineStart < len(p) {
		n, err := w.writeLine(p[lineStart:])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// writeLine emits the prefix if line starts a new output line and then
// writes line itself.
func (w *PrefixWriter) writeLine(line []byte) (int, error) {
	if w.bytesAfterPrefix == 0 {
		if _, err := w.Sink.Write(w.Prefix); err != nil {
			return 0, err
		}
	}

	return w.Sink.Write(line)
}
