package peercache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// parseDirectURL turns a "/<scheme>/<host>[_<port>]/<path>" direct-mode
// URL (§6 "Peer HTTP bearer (direct kind)") into the outbound URL it
// proxies. The opaque-binding check that guards against reuse across URLs
// already ran in OnBeforeBody by the time this is called.
func parseDirectURL(url string) (string, error) {
	rest := strings.TrimPrefix(url, "/")
	scheme, rest, ok := strings.Cut(rest, "/")
	if !ok || (scheme != "http" && scheme != "https") {
		return "", fmt.Errorf("peercache: %q is not a direct-mode URL", url)
	}
	hostPort, path, ok := strings.Cut(rest, "/")
	if !ok {
		return "", fmt.Errorf("peercache: direct-mode URL %q has no path", url)
	}
	if hostPort == "" {
		return "", fmt.Errorf("peercache: direct-mode URL %q has no host", url)
	}

	host := hostPort
	if idx := strings.LastIndexByte(hostPort, '_'); idx >= 0 {
		if _, err := strconv.Atoi(hostPort[idx+1:]); err == nil {
			host = hostPort[:idx] + ":" + hostPort[idx+1:]
		}
	}
	return scheme + "://" + host + "/" + path, nil
}

// fetchDirect performs the outbound GET a validated direct-mode bearer
// authorizes and reads the whole response into memory, the "in-memory
// bytes: sent directly" body shape (§4.2). c.directClient carries the
// teacher's range-splitting transport (§11 domain stack), so a large
// origin response that supports byte ranges downloads in parallel instead
// of over one connection.
func (c *Coordinator) fetchDirect(ctx *reqctx.Context) int {
	outURL, err := parseDirectURL(ctx.URL)
	if err != nil {
		c.log.Debugf("peercache: direct mode: %v", err)
		return 400
	}

	reqCtx := context.Background()
	if timeout := c.settings.Limits.HTTPRequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, outURL, nil)
	if err != nil {
		c.log.Debugf("peercache: direct mode: building request for %s: %v", outURL, err)
		return 502
	}

	resp, err := c.directClient.Do(req)
	if err != nil {
		c.log.Debugf("peercache: direct mode: fetching %s: %v", outURL, err)
		return 502
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if limit := c.settings.MaxBodyBytes; limit > 0 {
		body = io.LimitReader(body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		c.log.Debugf("peercache: direct mode: reading response from %s: %v", outURL, err)
		return 502
	}

	ctx.BodySource = reqctx.BodyBytes
	ctx.ResponseBody = data
	ctx.ContentType = resp.Header.Get("Content-Type")
	return resp.StatusCode
}
