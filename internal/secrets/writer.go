package secrets

import (
	"bytes"
	"io"
)

// maxBuffered bounds the partial-line buffer. A line longer than this is
// flushed early, so a secret straddling the flush boundary can escape
// masking; agent output lines that long are pathological.
const maxBuffered = 64 * 1024

// Writer filters a byte stream through the vault's redaction before passing
// it to dst. Writes are buffered per line so a secret cannot straddle a
// write boundary. Callers must Flush after the last write.
type Writer struct {
	dst   io.Writer
	vault *Vault
	buf   bytes.Buffer
}

// NewWriter wraps dst with vault-based redaction.
func NewWriter(dst io.Writer, v *Vault) *Writer {
	return &Writer{dst: dst, vault: v}
}

// Write buffers p and forwards every complete line through redaction. It
// always reports len(p) consumed; errors come from the underlying writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf.Write(p)
	data := w.buf.Bytes()
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		if w.buf.Len() > maxBuffered {
			return len(p), w.Flush()
		}
		return len(p), nil
	}
	out := w.vault.RedactString(string(data[:idx+1]))
	w.buf.Next(idx + 1)
	if _, err := io.WriteString(w.dst, out); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// Flush redacts and forwards any buffered partial line.
func (w *Writer) Flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	out := w.vault.RedactString(w.buf.String())
	w.buf.Reset()
	_, err := io.WriteString(w.dst, out)
	return err
}
