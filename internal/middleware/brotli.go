package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes response compression.
type BrotliConfig struct {
	Quality int
	// MinLength is the body size below which responses are sent as-is.
	MinLength int
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// brotliWriter buffers the body until MinLength is reached, then switches to
// compressed output for the rest of the response.
type brotliWriter struct {
	gin.ResponseWriter
	pool      *sync.Pool
	enc       *brotli.Writer
	buf       []byte
	minLength int
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.enc != nil {
		return bw.enc.Write(data)
	}

	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}

	h := bw.ResponseWriter.Header()
	if ct := h.Get("Content-Type"); ct != "" && !compressible(ct) {
		return len(data), bw.drain()
	}

	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	bw.enc = bw.pool.Get().(*brotli.Writer)
	bw.enc.Reset(bw.ResponseWriter)

	if _, err := bw.enc.Write(bw.buf); err != nil {
		return 0, err
	}
	bw.buf = bw.buf[:0]
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// drain writes buffered bytes uncompressed and stops buffering.
func (bw *brotliWriter) drain() error {
	bw.minLength = 0
	if len(bw.buf) == 0 {
		return nil
	}
	_, err := bw.ResponseWriter.Write(bw.buf)
	bw.buf = bw.buf[:0]
	return err
}

func (bw *brotliWriter) finish() error {
	if bw.enc == nil {
		return bw.drain()
	}
	err := bw.enc.Close()
	bw.enc.Reset(io.Discard)
	bw.pool.Put(bw.enc)
	bw.enc = nil
	return err
}

func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	pool := &sync.Pool{New: func() any {
		return brotli.NewWriterLevel(io.Discard, cfg.Quality)
	}}

	return func(c *gin.Context) {
		if isStream(c) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		bw := &brotliWriter{ResponseWriter: c.Writer, pool: pool, minLength: cfg.MinLength}
		c.Writer = bw

		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

// isStream reports requests whose responses must not be buffered: SSE
// streams and WebSocket upgrades.
func isStream(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
