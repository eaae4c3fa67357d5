package proxy

import (
	"io"
	"net/http"

	"oagw/pkg/failure"
)

// Forward copies upstream chunks to the inbound connection as they arrive.
// The full body is never accumulated; each chunk is flushed so event streams
// reach the client while the upstream is still producing.
//
// Response headers must already be written. A nil return means the upstream
// terminated the stream normally. An upstream read error returns an
// upstream-origin failure; the caller closes the inbound connection without
// fabricating a terminator. An inbound write error means the client went
// away, which is not a stream failure.
func Forward(w http.ResponseWriter, upstream io.Reader) (int64, *failure.Failure) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, failure.StreamInterrupted(err)
		}
	}
}
