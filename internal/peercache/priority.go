package peercache

import (
	"sort"

	"github.com/nodeweave/nodeweave/internal/discovery"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// candidate is one ranked peer response, carrying its original receive
// order so a stable sort preserves it as the final tiebreaker (§4.7 step 6
// "then receive order").
type candidate struct {
	resp  discovery.Response
	order int
}

func kindRank(k peercrypt.Kind) int {
	switch k {
	case peercrypt.KindResponseFull:
		return 2
	case peercrypt.KindResponsePartial:
		return 1
	default:
		return 0
	}
}

func hardwareRank(h peercrypt.HardwareKind) int {
	switch h {
	case peercrypt.HardwareEthernet:
		return 3
	case peercrypt.HardwareWifi:
		return 2
	case peercrypt.HardwareOther:
		return 1
	default:
		return 0
	}
}

// rankCandidates sorts responses by §4.7 step 6's priority: ResponseFull
// over ResponsePartial, then ethernet > wifi > other > unknown hardware,
// then higher link speed, then fewer active connections, then receive
// order. Responses that are not usable candidates (ResponseNone,
// ResponseOverloaded, anything else) are dropped entirely.
func rankCandidates(responses []discovery.Response) []candidate {
	candidates := make([]candidate, 0, len(responses))
	for i, r := range responses {
		if r.Message == nil {
			continue
		}
		switch r.Message.Kind {
		case peercrypt.KindResponseFull, peercrypt.KindResponsePartial:
			candidates = append(candidates, candidate{resp: r, order: i})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].resp.Message, candidates[j].resp.Message

		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra > rb
		}
		if ha, hb := hardwareRank(a.Hardware), hardwareRank(b.Hardware); ha != hb {
			return ha > hb
		}
		if a.LinkSpeedMbps != b.LinkSpeedMbps {
			return a.LinkSpeedMbps > b.LinkSpeedMbps
		}
		if a.ConnCount != b.ConnCount {
			return a.ConnCount < b.ConnCount
		}
		return candidates[i].order < candidates[j].order
	})

	return candidates
}
