package server

import (
	"fmt"
	"net/http"
	"os"
	"time"

	apexlog "github.com/apex/log"

	"github.com/richiefi/vcp-origin/util"
)

const (
	rootCacheControl  = "no-store, max-age=0"
	assetCacheControl = "public, max-age=1814400" // 21 days
	indexFile         = "/index.html"
)

// staticHandler serves the prebuilt test UI
type staticHandler struct {
	root   http.Dir
	logger *apexlog.Logger
}

func newStaticHandler(dir string, logger *apexlog.Logger) *staticHandler {
	return &staticHandler{root: http.Dir(dir), logger: logger}
}

// serveRoot serves the index document. It must never be cached, so it carries
// neither a validator nor a modification time.
func (sh *staticHandler) serveRoot(w http.ResponseWriter, r *http.Request) {
	sh.serveFile(w, r, indexFile, false)
}

func (sh *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	sh.serveFile(w, r, r.URL.Path, true)
}

func (sh *staticHandler) serveFile(w http.ResponseWriter, r *http.Request, name string, cacheable bool) {
	f, err := sh.root.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}

	modtime := time.Time{}
	if cacheable {
		w.Header().Set(headerCacheControl, assetCacheControl)
		w.Header().Set("ETag", entityTag(fi))
		modtime = fi.ModTime()
	} else {
		w.Header().Set(headerCacheControl, rootCacheControl)
	}
	sh.logger.WithFields(apexlog.Fields{"func": "server.staticHandler.serveFile", "file": name}).Debug("Serving static file")
	http.ServeContent(w, r, fi.Name(), modtime, f)
}

func entityTag(fi os.FileInfo) string {
	return fmt.Sprintf(`W/"%s"`, util.SHA1String([]byte(fmt.Sprintf("%s:%d:%d", fi.Name(), fi.Size(), fi.ModTime().UnixNano()))))
}
