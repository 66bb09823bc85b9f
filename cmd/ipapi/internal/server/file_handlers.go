package server

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// FileServer serves stored files from a directory. Lookups go through
// os.Root, so names cannot escape the directory via ".." or symlinks.
type FileServer struct {
	dir    string
	logger logrus.FieldLogger
}

// NewFileServer returns a FileServer rooted at dir.
func NewFileServer(dir string, logger logrus.FieldLogger) *FileServer {
	return &FileServer{dir: dir, logger: logger}
}

// View serves {name} inline.
func (fsrv *FileServer) View() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fsrv.serve(w, r, chi.URLParam(r, "name"), false)
	}
}

// Download serves {name} as an attachment.
func (fsrv *FileServer) Download() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fsrv.serve(w, r, chi.URLParam(r, "name"), true)
	}
}

// Uploads serves the wildcard path beneath the mount point inline.
func (fsrv *FileServer) Uploads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fsrv.serve(w, r, chi.URLParam(r, "*"), false)
	}
}

func (fsrv *FileServer) serve(w http.ResponseWriter, r *http.Request, name string, attachment bool) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	root, err := os.OpenRoot(fsrv.dir)
	if err != nil {
		fsrv.logger.WithError(err).WithField("dir", fsrv.dir).Error("open file root")
		http.NotFound(w, r)
		return
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fsrv.logger.WithError(err).WithField("name", name).Debug("file lookup rejected")
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	base := path.Base(name)
	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": base}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, base, info.ModTime(), f)
}
