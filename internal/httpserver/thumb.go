package httpserver

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"dirserve/internal/logging"
	"dirserve/internal/statcache"
)

const (
	defaultThumbSize = 256
	maxThumbSize     = 2048
)

var errEmptyImage = errors.New("thumbnail: empty image")

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

// serveThumb answers GET <image>?thumb[=N] with a JPEG no larger than N
// pixels on its longest side, cached on disk by path, size and mtime.
func (s *Server) serveThumb(w http.ResponseWriter, r *http.Request, abs string, md statcache.Metadata) {
	limit := defaultThumbSize
	if v := r.URL.Query().Get("thumb"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxThumbSize {
			limit = n
		}
	}

	thumbDir := filepath.Join(s.stateDir, "thumbs")
	_ = os.MkdirAll(thumbDir, 0o755)
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		rel = filepath.Base(abs)
	}
	key := fmt.Sprintf("%s-%d-%d.jpg", thumbKey(filepath.ToSlash(rel)), limit, md.ModTime.Unix())
	thumbPath := filepath.Join(thumbDir, key)
	if b, err := os.ReadFile(thumbPath); err == nil {
		writeJPEG(w, b)
		return
	}
	b, err := makeThumb(abs, limit)
	if err != nil {
		logging.WithContext(r.Context()).Debug("thumbnail failed", logging.String("path", abs), logging.Err(err))
		notFound(w)
		return
	}
	_ = os.WriteFile(thumbPath, b, 0o644)
	writeJPEG(w, b)
}

func makeThumb(abs string, limit int) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out bytes.Buffer
	if err := encodeThumb(&out, f, limit); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeJPEG(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// thumbKey names the cached thumbnail of rel (slash-separated, relative to
// the root). Distinct paths never share a key.
func thumbKey(rel string) string {
	sum := blake2b.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:])
}

// encodeThumb decodes the image in r and writes a JPEG scaled to fit
// within limit x limit.
func encodeThumb(dst io.Writer, r io.Reader, limit int) error {
	src, _, err := image.Decode(r)
	if err != nil {
		return err
	}
	bounds := src.Bounds()
	nw, nh, ok := fitWithin(bounds.Dx(), bounds.Dy(), limit)
	if !ok {
		return errEmptyImage
	}
	scaled := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
	return jpeg.Encode(dst, scaled, &jpeg.Options{Quality: 82})
}

// fitWithin keeps the aspect ratio and never upscales.
func fitWithin(w, h, limit int) (int, int, bool) {
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	if limit <= 0 {
		limit = defaultThumbSize
	}
	long := max(w, h)
	if long <= limit {
		return w, h, true
	}
	nw := max(w*limit/long, 1)
	nh := max(h*limit/long, 1)
	return nw, nh, true
}
