// Package listing renders HTML directory indexes.
//
// Entry metadata is resolved concurrently and rows are written in the order
// lookups complete, not in sorted order. The document is closed once every
// entry has been accounted for, whether its lookup succeeded or not.
package listing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"dirserve/internal/logging"
	"dirserve/internal/metrics"
	"dirserve/internal/statcache"
)

// ErrUnreadable is returned when the directory cannot be listed. Nothing has
// been written to the response in that case.
var ErrUnreadable = errors.New("directory unreadable")

// maxLookups bounds concurrent metadata lookups per listing.
const maxLookups = 64

const uploadForm = `<hr><form method="post" enctype="multipart/form-data">` +
	`<input type="file" name="file"> <input type="submit" value="Upload"></form>`

// MetadataSource resolves entry metadata. *statcache.Cache implements it.
type MetadataSource interface {
	Get(ctx context.Context, path string) (statcache.Metadata, error)
}

type Renderer struct {
	cache       MetadataSource
	allowUpload bool
	readDir     func(string) ([]string, error)
}

func New(cache MetadataSource, allowUpload bool) *Renderer {
	return &Renderer{cache: cache, allowUpload: allowUpload, readDir: readDirNames}
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// SortNames orders names case-insensitively; ties keep their input order.
func SortNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
}

// entryTask is one row awaiting metadata.
type entryTask struct {
	name   string
	target string
}

type entryResult struct {
	task entryTask
	md   statcache.Metadata
	err  error
}

// Render writes the listing of dirAbs, addressed by urlPath, to w. The
// served root gets no "." and ".." rows. Headers and the preamble are written
// before any entry is resolved.
func (r *Renderer) Render(ctx context.Context, w http.ResponseWriter, dirAbs, urlPath string, isRoot bool) error {
	names, err := r.readDir(dirAbs)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadable, dirAbs, err)
	}
	SortNames(names)
	if !isRoot {
		names = append([]string{".", ".."}, names...)
	}

	tasks := make([]entryTask, len(names))
	for i, name := range names {
		tasks[i] = entryTask{name: name, target: filepath.Join(dirAbs, name)}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	out := &stickyWriter{w: w}

	title := html.EscapeString(urlPath)
	fmt.Fprintf(out, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n", title)
	fmt.Fprintf(out, "<h2>Directory listing for %s</h2>\n<hr><ul>\n", title)
	_ = rc.Flush()

	results := make(chan entryResult, len(tasks))
	go func() {
		var g errgroup.Group
		g.SetLimit(maxLookups)
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				md, err := r.cache.Get(ctx, t.target)
				results <- entryResult{task: t, md: md, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()

	hrefBase := (&url.URL{Path: dirURL(urlPath)}).EscapedPath()
	log := logging.WithContext(ctx)
	for done := 0; done < len(tasks); done++ {
		res := <-results
		if res.err != nil {
			metrics.RecordListingEntry(false)
			log.Debug("listing entry dropped", logging.String("entry", res.task.target), logging.Err(res.err))
			continue
		}
		metrics.RecordListingEntry(true)
		out.writeEntry(hrefBase, res.task.name, res.md.IsDir)
		_ = rc.Flush()
	}

	io.WriteString(out, "</ul>\n")
	if r.allowUpload {
		io.WriteString(out, uploadForm+"\n")
	}
	io.WriteString(out, "<hr></body></html>\n")
	_ = rc.Flush()
	return out.err
}

func dirURL(urlPath string) string {
	if !strings.HasSuffix(urlPath, "/") {
		return urlPath + "/"
	}
	return urlPath
}

// stickyWriter remembers the first write error and drops later writes.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	s.err = err
	return n, err
}

func (s *stickyWriter) writeEntry(hrefBase, name string, isDir bool) {
	href := hrefBase + url.PathEscape(name)
	display := name
	if isDir {
		href += "/"
		display += "/"
	}
	fmt.Fprintf(s, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(display))
}
