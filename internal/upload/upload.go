package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"dirserve/internal/logging"
	"dirserve/internal/metrics"
	"dirserve/internal/staging"
)

// ErrParse marks a request whose multipart body could not be read.
var ErrParse = errors.New("malformed upload")

// Part is one uploaded file as delivered by a Parser.
type Part struct {
	Filename string
	io.ReadCloser
}

// Parser extracts the uploaded file from a request.
type Parser interface {
	Parse(r *http.Request) (*Part, error)
}

// MultipartParser reads multipart/form-data bodies, preferring the "file"
// field. Bodies beyond MaxMemory spill to temp files.
type MultipartParser struct {
	MaxMemory int64
}

func (p MultipartParser) Parse(r *http.Request) (*Part, error) {
	mem := p.MaxMemory
	if mem <= 0 {
		mem = 32 << 20
	}
	if err := r.ParseMultipartForm(mem); err != nil {
		return nil, err
	}
	fh := firstFile(r.MultipartForm)
	if fh == nil {
		return nil, errors.New("missing file")
	}
	f, err := fh.Open()
	if err != nil {
		return &Part{Filename: fh.Filename}, err
	}
	return &Part{Filename: fh.Filename, ReadCloser: f}, nil
}

func firstFile(mf *multipart.Form) *multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	if v := mf.File["file"]; len(v) > 0 {
		return v[0]
	}
	// Else first key lexicographically for stable behavior.
	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := mf.File[k]; len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

// Result describes a stored upload. Requested is the client's file name;
// Stored is the name actually used after collision avoidance.
type Result struct {
	Requested string
	Stored    string
	Path      string
	Digest    string
	Size      int64
}

type Manager struct {
	parser Parser
	store  *staging.Store
}

func New(parser Parser, store *staging.Store) *Manager {
	return &Manager{parser: parser, store: store}
}

// Ingest stores the request's file under targetDir. An existing name is
// never replaced: name, name.1, name.2, ... are tried in order.
func (m *Manager) Ingest(ctx context.Context, r *http.Request, targetDir string) (Result, error) {
	part, err := m.parser.Parse(r)
	var res Result
	if part != nil {
		res.Requested = part.Filename
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer part.Close()

	name := cleanName(part.Filename)
	if name == "" {
		return res, fmt.Errorf("%w: invalid file name %q", ErrParse, part.Filename)
	}

	tmp, digest, size, err := m.store.Receive(ctx, part)
	if err != nil {
		return res, fmt.Errorf("stage upload: %w", err)
	}
	res.Digest, res.Size = digest, size

	for i := 0; ; i++ {
		cand := name
		if i > 0 {
			cand = name + "." + strconv.Itoa(i)
		}
		dst := filepath.Join(targetDir, cand)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		err := m.store.Place(tmp, dst)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			m.store.Discard(tmp)
			return res, err
		}
		res.Stored, res.Path = cand, dst
		return res, nil
	}
}

// cleanName keeps only the final path element of a client-supplied name.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	if name == "." || name == ".." || name == string(filepath.Separator) || strings.ContainsRune(name, 0) {
		return ""
	}
	return name
}

// Handle ingests the upload into targetDir and writes the HTML outcome.
// dirURL is the request path of targetDir, used for links.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, targetDir, dirURL string) {
	log := logging.WithContext(r.Context())
	res, err := m.Ingest(r.Context(), r, targetDir)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case err == nil:
		metrics.RecordUpload(res.Size, true)
		log.Info("upload stored",
			logging.String("requested", res.Requested),
			logging.String("path", res.Path),
			logging.String("blake2b", res.Digest),
		)
		href := (&url.URL{Path: dirURL + res.Stored}).EscapedPath()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Upload succeeded</title></head><body>\n"+
			"<h2>Upload succeeded</h2>\n<p>File uploaded to <a href=\"%s\">%s</a> (%d bytes, blake2b-256 %s)</p>\n"+
			"<p><a href=\"%s\">Back</a></p>\n</body></html>\n",
			html.EscapeString(href), html.EscapeString(dirURL+res.Stored), res.Size, res.Digest,
			html.EscapeString((&url.URL{Path: dirURL}).EscapedPath()))
	case errors.Is(err, ErrParse):
		metrics.RecordUpload(0, false)
		log.Warn("upload rejected", logging.String("requested", res.Requested), logging.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Upload failed</title></head><body>\n"+
			"<h2>Upload failed</h2>\n<p>Failed to upload %s</p>\n</body></html>\n",
			html.EscapeString(res.Requested))
	default:
		metrics.RecordUpload(0, false)
		log.Error("upload failed", logging.String("requested", res.Requested), logging.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "Server Error")
	}
}
