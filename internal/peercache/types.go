// Package peercache implements the peer cache coordinator (C10): the
// integration piece that answers a generic HTTP-client subsystem's "fetch
// this content hash" calls by checking the local cache, broadcasting over
// C9, and racing the best-ranked peers, while also serving C9's own
// requests and C4/C5's GET traffic for files it holds (§4.7).
package peercache

import (
	"io"

	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// DownloadRequest describes one OnDownload call (§4.7 "Download path").
type DownloadRequest struct {
	Algo         peercrypt.HashAlgo
	Digest       []byte
	ExpectedSize int64 // 0 means unknown
	Output       io.Writer
	HasRange     bool
	RangeStart   int64
	RangeEnd     int64 // inclusive
}

// Source identifies where a DownloadResult's bytes came from.
type Source uint8

const (
	SourceNone Source = iota
	SourceCache
	SourceLastPeer
	SourcePeer
)

// DownloadResult is OnDownload's outcome. Status 0 means no candidate was
// found anywhere and the caller should fall back to the origin (§4.7 step
// 7, "return a zero-result").
type DownloadResult struct {
	Status       int
	BytesWritten int64
	Source       Source
	PeerAddr     string
}
