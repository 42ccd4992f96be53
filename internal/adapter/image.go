package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxImageFetchBytes caps how much image data the gateway will pull from a
// remote URL on behalf of a request.
const MaxImageFetchBytes = 20 << 20 // 20 MiB

var imageHTTPClient = &http.Client{Timeout: 30 * time.Second}

// ResolveImage turns an image_url block into raw bytes + media type for
// providers that take inline image payloads (Anthropic, Gemini, Bedrock).
// data: URIs are decoded locally; anything else must be an https URL and is
// fetched with a size cap.
func ResolveImage(ctx context.Context, url string) (data []byte, mediaType string, err error) {
	if strings.HasPrefix(url, "data:") {
		return DecodeDataURI(url)
	}
	if !strings.HasPrefix(url, "https://") {
		return nil, "", E(KindBadRequest, "", "image_url must be a data URI or an https URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Wrap(KindBadRequest, "", err)
	}
	resp, err := imageHTTPClient.Do(req)
	if err != nil {
		return nil, "", AsError("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", Errorf(KindBadRequest, "", "image fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageFetchBytes+1))
	if err != nil {
		return nil, "", AsError("", err)
	}
	if len(body) > MaxImageFetchBytes {
		return nil, "", Errorf(KindBadRequest, "", "image exceeds %d byte limit", MaxImageFetchBytes)
	}

	mediaType = resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
	}
	return body, mediaType, nil
}

// EncodeBase64 is the inverse used by adapters that resend fetched images as
// inline payloads.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI decodes a "data:<media>;base64,<payload>" URI.
func DecodeDataURI(uri string) (data []byte, mediaType string, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", E(KindBadRequest, "", "not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", E(KindBadRequest, "", "malformed data URI")
	}
	mediaType, b64 := meta, false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		mediaType, b64 = m, true
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if !b64 {
		return nil, "", E(KindBadRequest, "", "data URI must be base64 encoded")
	}
	data, derr := base64.StdEncoding.DecodeString(payload)
	if derr != nil {
		return nil, "", Wrap(KindBadRequest, "", fmt.Errorf("invalid base64 image payload: %w", derr))
	}
	return data, mediaType, nil
}
