package metrics

import (
	"bytes"

	"github.com/nodeweave/nodeweave/internal/reqctx"
	"github.com/nodeweave/nodeweave/internal/router"
)

// contentType matches the version string the teacher's aggregated handler
// writes for its own /metrics response.
const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Callback builds a router.Callback that serves c's current values as a
// Prometheus exposition (§12 "GET /metrics router callback").
func Callback(c *Counters) router.Callback {
	return func(ctx *reqctx.Context, opaque any) int {
		var buf bytes.Buffer
		if err := WriteExposition(&buf, c); err != nil {
			return 500
		}
		ctx.BodySource = reqctx.BodyBytes
		ctx.ResponseBody = buf.Bytes()
		ctx.ContentType = contentType
		return 200
	}
}
