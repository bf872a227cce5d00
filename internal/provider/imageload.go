package provider

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"golang.org/x/image/draw"

	"github.com/lklic/idios/internal/apierr"
)

const (
	minImageSize = 150
	maxImageSize = 1000
	maxBodyBytes = 32 << 20 // 32MB, generous ceiling on top of the dimension checks
)

// httpClient is shared across image fetches; the 30s timeout matches the
// documented default bound on HTTP image fetch in the concurrency model.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// LoadImageFromURL fetches the image at url (following redirects, which some
// IIIF/library image servers rely on via 303), decodes it, and resizes it to
// fit within maxImageSize on the longest side while preserving aspect ratio.
// It fails with a parameter_error if the smallest dimension is below
// minImageSize.
func LoadImageFromURL(url string) (image.Image, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.ParameterError("invalid image url: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, apierr.ServerError("fetching image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.ServerError("fetching image: unexpected status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	img, _, err := image.Decode(body)
	if err != nil {
		return nil, apierr.ParameterError("could not decode image: %v", err)
	}

	return prepareImage(img)
}

// prepareImage enforces the minimum-dimension contract and downsizes images
// whose longest side exceeds maxImageSize.
func prepareImage(img image.Image) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	minDim := w
	if h < minDim {
		minDim = h
	}
	if minDim < minImageSize {
		return nil, apierr.ParameterError("Images must have their dimensions above 150 x 150 pixels")
	}

	maxDim := w
	if h > maxDim {
		maxDim = h
	}
	if maxDim <= maxImageSize {
		return img, nil
	}

	scale := float64(maxImageSize) / float64(maxDim)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, nil
}
