package peercache

import (
	"encoding/json"
	"time"

	"github.com/docker/go-units"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// catalogEntry is the JSON shape served by CacheCatalog, deliberately
// decoupled from cachefile.IndexEntry so the wire format doesn't change if
// the on-disk index ever does.
type catalogEntry struct {
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"sizeHuman"`
	FirstSeen time.Time `json:"firstSeen"`
	Age       string    `json:"age"`
}

// CacheCatalog implements §12's "GET /_cache" router callback: a JSON index
// of the permanent store's contents, for operational introspection only.
func (c *Coordinator) CacheCatalog(ctx *reqctx.Context, opaque any) int {
	entries, err := c.store.Catalog()
	if err != nil {
		return 500
	}

	out := make([]catalogEntry, len(entries))
	for i, e := range entries {
		out[i] = catalogEntry{
			Digest:    e.Digest.String(),
			Size:      e.Size,
			SizeHuman: units.HumanSizeWithPrecision(float64(e.Size), 2),
			FirstSeen: e.FirstSeen,
			Age:       units.HumanDuration(time.Since(e.FirstSeen)) + " ago",
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return 500
	}

	ctx.BodySource = reqctx.BodyBytes
	ctx.ResponseBody = body
	ctx.ContentType = "application/json"
	return 200
}
