package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliPool = sync.Pool{
	New: func() interface{} { return brotli.NewWriterLevel(nil, brotli.DefaultCompression) },
}

// brotliWriter decides on the first header write whether the body is
// compressed. Only 200 responses of textual content are.
type brotliWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	wroteHeader bool
	compressing bool
}

func compressible(ct string) bool {
	return ct == "" ||
		strings.HasPrefix(ct, "application/json") ||
		strings.HasPrefix(ct, "text/")
}

func (w *brotliWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if code == http.StatusOK && compressible(w.Header().Get("Content-Type")) {
		w.compressing = true
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Encoding", "br")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *brotliWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.compressing {
		return w.ResponseWriter.Write(p)
	}
	return w.bw.Write(p)
}

func (w *brotliWriter) Flush() {
	if w.compressing {
		w.bw.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Brotli compresses responses for clients that accept br.
func Brotli(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			next.ServeHTTP(w, r)
			return
		}
		bw := brotliPool.Get().(*brotli.Writer)
		bw.Reset(w)
		bro := &brotliWriter{ResponseWriter: w, bw: bw}
		defer func() {
			if bro.compressing {
				bw.Close()
			}
			brotliPool.Put(bw)
		}()
		next.ServeHTTP(bro, r)
	})
}
