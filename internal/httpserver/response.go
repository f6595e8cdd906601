package httpserver

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// NoContentType is the sentinel content type meaning "emit an empty body"
// (§4.2 "No response").
const NoContentType = "!NONE"

// StaticFileContentType marks a response whose body is a filename to
// stream, with range/keep-alive handling applied by the server (§4.2
// "Static file").
const StaticFileContentType = "!STATICFILE"

var statusReasons = map[int]string{
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	206: "Partial Content", 301: "Moved Permanently", 302: "Found",
	304: "Not Modified", 400: "Bad Request", 401: "Unauthorized",
	403: "Forbidden", 404: "Not Found", 405: "Method Not Allowed",
	408: "Request Timeout", 410: "Gone", 413: "Payload Too Large",
	416: "Range Not Satisfiable", 418: "I'm a Teapot",
	500: "Internal Server Error", 503: "Service Unavailable",
}

func reasonFor(status int) string {
	if r, ok := statusReasons[status]; ok {
		return r
	}
	return "Status"
}

// statusLine renders the response status line, using the dedicated fast
// literals for 200/206 (§4.2 "Status line selection").
func (c *Connection) statusLine(status int) string {
	proto := "HTTP/1.1"
	if c.http10 {
		proto = "HTTP/1.0"
	}
	switch status {
	case 200:
		return proto + " 200 OK\r\n"
	case 206:
		return proto + " 206 Partial Content\r\n"
	default:
		return fmt.Sprintf("%s %d %s\r\n", proto, status, reasonFor(status))
	}
}

// writeStatusOnly emits a bare status line with no headers or body, used
// for early admission-check rejections (§4.2 "Admission checks").
func (c *Connection) writeStatusOnly(status int) {
	if status == 0 {
		return
	}
	c.bw.WriteString(c.statusLine(status))
	c.bw.WriteString("Connection: close\r\n\r\n")
	c.bw.Flush()
}

// finishResponse composes and streams the response for ctx, which the
// dispatch stage or a hook has already populated with a status and body
// source (§4.2 "Response composition").
func (c *Connection) finishResponse(ctx *reqctx.Context, status int) {
	if status == 0 {
		status = 404
	}
	ctx.Status = status

	switch ctx.BodySource {
	case reqctx.BodyStaticFile, reqctx.BodyProgressiveFile:
		c.sendFile(ctx, status)
	default:
		c.sendBytes(ctx, status)
	}
}

func (c *Connection) writeCommonHeaders(ctx *reqctx.Context, status int) {
	c.bw.WriteString(c.statusLine(status))
	if c.opts.ServerName != "" {
		fmt.Fprintf(c.bw, "Server: %s\r\n", c.opts.ServerName)
	}
	if c.opts.XPoweredBy != "" {
		fmt.Fprintf(c.bw, "X-Powered-By: %s\r\n", c.opts.XPoweredBy)
	}
	if c.opts.SendDateHeader {
		fmt.Fprintf(c.bw, "Date: %s\r\n", time.Now().UTC().Format(http11DateFormat))
	}
	if !c.keepAlive {
		c.bw.WriteString("Connection: close\r\n")
	} else if c.http10 {
		c.bw.WriteString("Connection: keep-alive\r\n")
	}

	hasContentEncoding := false
	if ctx.CustomHeaders != "" {
		for _, line := range strings.Split(strings.TrimRight(ctx.CustomHeaders, "\r\n"), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if strings.HasPrefix(strings.ToLower(line), "content-encoding:") {
				hasContentEncoding = true
			}
			c.bw.WriteString(line)
			c.bw.WriteString("\r\n")
		}
	}
	_ = hasContentEncoding // consulted by callers that apply post-compression; none here today
}

const http11DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func (c *Connection) sendBytes(ctx *reqctx.Context, status int) {
	if ctx.ContentType == NoContentType {
		c.writeCommonHeaders(ctx, status)
		c.bw.WriteString("Content-Length: 0\r\n\r\n")
		c.bw.Flush()
		return
	}

	c.writeCommonHeaders(ctx, status)
	if ctx.ContentType != "" {
		fmt.Fprintf(c.bw, "Content-Type: %s\r\n", ctx.ContentType)
	}
	fmt.Fprintf(c.bw, "Content-Length: %d\r\n\r\n", len(ctx.ResponseBody))
	c.bw.Write(ctx.ResponseBody)
	c.bw.Flush()
}

// sendFile streams a static or progressive file body (§4.2 "Static file",
// "Progressive static file"). ctx.StaticFilePath is the filename.
func (c *Connection) sendFile(ctx *reqctx.Context, status int) {
	f, err := os.Open(ctx.StaticFilePath)
	if err != nil {
		c.writeStatusOnly(404)
		c.keepAlive = false
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.writeStatusOnly(500)
		c.keepAlive = false
		return
	}
	size := info.Size()
	if ctx.BodySource == reqctx.BodyProgressiveFile && ctx.ProgressiveExpectedSize > 0 {
		size = ctx.ProgressiveExpectedSize
	}

	var rng byteRange
	ranged := false
	if rh := ctx.Headers["range"]; rh != "" {
		r, err := parseRange(rh, size)
		if err != nil {
			c.writeStatusOnly(416)
			c.keepAlive = false
			return
		}
		rng = r
		ranged = true
		status = 206
	} else {
		rng = byteRange{Start: 0, End: size - 1}
	}

	c.writeCommonHeaders(ctx, status)
	if ctx.ContentType != "" && ctx.ContentType != StaticFileContentType {
		fmt.Fprintf(c.bw, "Content-Type: %s\r\n", ctx.ContentType)
	}
	fmt.Fprintf(c.bw, "Last-Modified: %s\r\n", info.ModTime().UTC().Format(http11DateFormat))
	c.bw.WriteString("Accept-Ranges: bytes\r\n")
	if ranged {
		fmt.Fprintf(c.bw, "Content-Range: %s\r\n", contentRangeHeader(rng, size))
	}
	fmt.Fprintf(c.bw, "Content-Length: %d\r\n\r\n", rng.Length())

	if ctx.BodySource == reqctx.BodyProgressiveFile {
		c.streamProgressive(f, rng, ctx)
	} else {
		c.streamStatic(f, rng)
	}
	c.bw.Flush()
}

// streamStatic streams rng from f in chunks of at most SendBufferSize
// bytes (§4.2 "streams chunks of up to SendBufferSize bytes each").
func (c *Connection) streamStatic(f *os.File, rng byteRange) {
	bufSize := c.opts.SendBufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	section := io.NewSectionReader(f, rng.Start, rng.Length())
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(c.bw, section, buf); err != nil {
		c.keepAlive = false
	}
}

// streamProgressive streams a file that may still be growing. When fewer
// bytes than requested are currently on disk, it sleeps ~10ms and retries
// (the body Wait sub-state); it finishes once the file's length equals the
// expected size, or aborts if the caller's partial registry entry is
// marked aborted (§4.2 "Progressive static file").
func (c *Connection) streamProgressive(f *os.File, rng byteRange, ctx *reqctx.Context) {
	bufSize := c.opts.SendBufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	buf := make([]byte, bufSize)

	want := rng.End + 1
	pos := rng.Start
	for pos < want {
		if ctx.AbortCheck != nil && ctx.AbortCheck() {
			c.keepAlive = false
			return
		}
		info, err := f.Stat()
		if err != nil {
			c.keepAlive = false
			return
		}
		avail := info.Size()
		if avail <= pos {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		end := avail
		if end > want {
			end = want
		}
		n, err := f.ReadAt(buf[:minInt(int64(len(buf)), end-pos)], pos)
		if n > 0 {
			if _, werr := c.bw.Write(buf[:n]); werr != nil {
				c.keepAlive = false
				return
			}
			pos += int64(n)
		}
		if err != nil && err != io.EOF {
			c.keepAlive = false
			return
		}
	}
}

func minInt(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// statusText formats a three-digit status plus its RFC reason phrase,
// for code in this package that wants to render an error body consistently.
func statusText(status int) string {
	return strconv.Itoa(status) + " " + reasonFor(status)
}
