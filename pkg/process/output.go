package process

import (
	"bytes"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

// lineWriter forwards process output to the logger one line at a time
type lineWriter struct {
	logger     logging.Logger
	instanceID string
	buffer     *bytebufferpool.ByteBuffer
	mutex      sync.Mutex
}

func newLineWriter(logger logging.Logger, instanceID string) *lineWriter {
	return &lineWriter{
		logger:     logger,
		instanceID: instanceID,
		buffer:     bytebufferpool.Get(),
	}
}

func (w *lineWriter) Write(data []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.buffer == nil {
		return len(data), nil
	}
	w.buffer.Write(data)

	for {
		pending := w.buffer.B
		index := bytes.IndexByte(pending, '\n')
		if index < 0 {
			break
		}
		w.emit(pending[:index])
		w.buffer.B = append(pending[:0], pending[index+1:]...)
	}
	return len(data), nil
}

// Flush emits any partial line and releases the buffer
func (w *lineWriter) Flush() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.buffer == nil {
		return
	}
	if w.buffer.Len() > 0 {
		w.emit(w.buffer.B)
	}
	bytebufferpool.Put(w.buffer)
	w.buffer = nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Infof("[%s] %s", w.instanceID, string(line))
}
