package rpcserver

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

type compressWriter struct {
	gin.ResponseWriter
	writer io.WriteCloser
}

func (w *compressWriter) WriteHeader(code int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressWriter) Write(data []byte) (int, error) {
	w.Header().Del("Content-Length")
	return w.writer.Write(data)
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// 优先 br，其次 gzip
func acceptedEncoding(header string) string {
	br, gz := false, false
	for _, part := range strings.Split(header, ",") {
		enc := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch enc {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	if br {
		return "br"
	}
	if gz {
		return "gzip"
	}
	return ""
}

// CompressionMiddleware 按 Accept-Encoding 压缩响应，excluded 中的路径不处理
func CompressionMiddleware(excluded ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range excluded {
			if c.Request.URL.Path == path {
				c.Next()
				return
			}
		}

		var writer io.WriteCloser
		encoding := acceptedEncoding(c.GetHeader("Accept-Encoding"))
		switch encoding {
		case "br":
			writer = brotli.NewWriterLevel(c.Writer, brotli.DefaultCompression)
		case "gzip":
			gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
			if err != nil {
				c.Next()
				return
			}
			writer = gz
		default:
			c.Next()
			return
		}

		c.Header(CONTENT_ENCODING, encoding)
		c.Writer.Header().Add(VARY, "Accept-Encoding")
		cw := &compressWriter{ResponseWriter: c.Writer, writer: writer}
		c.Writer = cw
		defer func() {
			writer.Close()
			c.Writer = cw.ResponseWriter
		}()
		c.Next()
	}
}
