package asset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/clickety-clacks/clawline/internal/domain"
)

// fetchReadMultiplier bounds how far over capBytes a response body may run
// before re-encoding is even attempted: large enough that a typical
// oversized photo still has room to shrink, small enough to cap memory use
// against a hostile or misconfigured dispatcher-supplied URL.
const fetchReadMultiplier = 4

// jpegQualitySteps is tried in order until the re-encoded image fits capBytes.
var jpegQualitySteps = []int{85, 70, 55, 40, 25}

// pinnedDialer resolves a hostname once, rejects loopback/link-local/private
// destinations, and dials the pinned IP directly so DNS rebinding between
// resolve and connect cannot redirect the request to internal
// infrastructure. No SSRF-safe-fetch library appeared anywhere in the
// retrieval pack, so this is built directly on net/http and net.Dialer — the
// second deliberate stdlib-only component, recorded in DESIGN.md.
func pinnedDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split host/port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve host: %w", err)
	}

	var pinned net.IP
	for _, ip := range ips {
		if isSafeIP(ip) {
			pinned = ip
			break
		}
	}
	if pinned == nil {
		return nil, fmt.Errorf("no safe address for host %s", host)
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
}

// isSafeIP rejects loopback, link-local, and private address ranges.
func isSafeIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	return true
}

// pinnedClient returns an *http.Client whose transport dials only through
// pinnedDialer, follows at most 5 redirects, and applies deadline as an
// overall per-request timeout.
func pinnedClient(deadline time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: pinnedDialer,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   deadline,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			return nil
		},
	}
}

// FetchAndStore is used only by the Ingestion Pipeline's dispatcher-reply
// path (§4.6 step 7): it fetches url through the SSRF-pinned client, then
// reads up to cap*fetchReadMultiplier bytes via io.LimitReader (a larger
// body fails), re-encodes images per the PNG/JPEG/GIF rule when the body
// exceeds cap, then calls Put. Non-image
// media that exceeds the cap still fails outright — there is no lossless
// way to shrink it.
func (s *Store) FetchAndStore(ctx context.Context, ownerUserID, url string, capBytes int64, deadline time.Duration) (*domain.Asset, error) {
	client := pinnedClient(deadline)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media url: unexpected status %d", resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	limited := io.LimitReader(resp.Body, capBytes*fetchReadMultiplier+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if int64(len(buf)) > capBytes*fetchReadMultiplier {
		return nil, fmt.Errorf("media body exceeds the re-encode read ceiling of %d bytes", capBytes*fetchReadMultiplier)
	}

	if int64(len(buf)) > capBytes {
		optimized, optimizedMIME, err := optimizeImageToFit(mimeType, buf, capBytes)
		if err != nil {
			return nil, fmt.Errorf("media body exceeds cap of %d bytes and could not be re-encoded to fit: %w", capBytes, err)
		}
		buf = optimized
		mimeType = optimizedMIME
	}

	return s.Put(ctx, ownerUserID, "", mimeType, bytes.NewReader(buf))
}

// optimizeImageToFit re-encodes an oversized image to fit capBytes: a PNG
// with an alpha channel stays PNG (re-compressed at the best ratio the
// stdlib encoder offers), an opaque PNG is converted to JPEG since it
// compresses better for photographic content, a JPEG is re-encoded at
// progressively lower quality, and a GIF passes through untouched since it
// has no animation-preserving re-encode path in the standard library.
func optimizeImageToFit(mimeType string, data []byte, capBytes int64) ([]byte, string, error) {
	if int64(len(data)) <= capBytes {
		return data, mimeType, nil
	}
	switch mimeType {
	case "image/gif":
		if int64(len(data)) > capBytes {
			return nil, "", fmt.Errorf("gif passthrough still exceeds cap, no lossless shrink available")
		}
		return data, mimeType, nil

	case "image/png":
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode png: %w", err)
		}
		if hasAlpha(img) {
			return reencodePNG(img, capBytes)
		}
		return reencodeJPEG(img, capBytes)

	case "image/jpeg":
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode jpeg: %w", err)
		}
		return reencodeJPEG(img, capBytes)

	default:
		return nil, "", fmt.Errorf("no re-encode rule for mime type %q", mimeType)
	}
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

func reencodePNG(img image.Image, capBytes int64) ([]byte, string, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encode png: %w", err)
	}
	if int64(buf.Len()) > capBytes {
		return nil, "", fmt.Errorf("best-compression png still exceeds cap (%d > %d)", buf.Len(), capBytes)
	}
	return buf.Bytes(), "image/png", nil
}

func reencodeJPEG(img image.Image, capBytes int64) ([]byte, string, error) {
	for _, quality := range jpegQualitySteps {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg at quality %d: %w", quality, err)
		}
		if int64(buf.Len()) <= capBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
	}
	return nil, "", fmt.Errorf("jpeg still exceeds cap at lowest quality step")
}
