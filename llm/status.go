package llm

import (
	"bytes"
	"io"
	"sync"
)

// StatusWriter merkt sich die letzte Fehlermeldung des Backends
type StatusWriter struct {
	mu         sync.Mutex
	lastErrMsg string
	out        io.Writer
}

func NewStatusWriter(out io.Writer) *StatusWriter {
	return &StatusWriter{out: out}
}

// Python-Backends melden Fehler ueber Tracebacks und Exception-Zeilen
var errorPrefixes = []string{
	"error:",
	"Error:",
	"RuntimeError:",
	"ValueError:",
	"OSError:",
	"torch.OutOfMemoryError:",
	"CUDA out of memory",
	"MPS backend out of memory",
	"ModuleNotFoundError:",
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	var errMsg string
	for _, prefix := range errorPrefixes {
		if _, after, ok := bytes.Cut(b, []byte(prefix)); ok {
			errMsg = prefix + " " + string(bytes.TrimSpace(bytes.SplitN(after, []byte("\n"), 2)[0]))
		}
	}
	if errMsg != "" {
		w.mu.Lock()
		w.lastErrMsg = errMsg
		w.mu.Unlock()
	}

	return w.out.Write(b)
}

// LastErrMsg gibt die zuletzt erkannte Fehlerzeile zurueck
func (w *StatusWriter) LastErrMsg() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErrMsg
}
