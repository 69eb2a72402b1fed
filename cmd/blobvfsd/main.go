/*
Copyright 2024 The blobvfs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command blobvfsd is a headless daemon wiring a blobstore.Store
// backend to a CAS (pkg/cas) and serving it over a small HTTP API,
// with a background GC sweep on a timer. Grounded on
// server/camlistored/camlistored.go's flag-driven backend selection,
// signal-driven shutdown, and pkg/webserver.Server's plain net/http
// wrapper (no third-party HTTP router appears anywhere in the
// corpus's dependency graph, so none is introduced here).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corestash/blobvfs/backend/localdisk"
	"github.com/corestash/blobvfs/backend/memory"
	"github.com/corestash/blobvfs/internal/clog"
	"github.com/corestash/blobvfs/internal/gitobject"
	"github.com/corestash/blobvfs/pkg/blobstore"
	"github.com/corestash/blobvfs/pkg/cas"
)

var (
	backendFlag = flag.String("backend", "memory", `blob backend: "memory" or "localdisk"`)
	dirFlag     = flag.String("dir", "", "root directory for -backend=localdisk")
	listenFlag  = flag.String("listen", "localhost:8080", "address to listen on")
	gcInterval  = flag.Duration("gc_interval", 10*time.Minute, "interval between background GC sweeps; 0 disables")
	verboseFlag = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()
	clog.Verbose = *verboseFlag

	backend, err := newBlobBackend()
	if err != nil {
		clog.Fatalf("blobvfsd: %v", err)
	}

	store, err := cas.New(backend, cas.DefaultOptions())
	if err != nil {
		clog.Fatalf("blobvfsd: building CAS: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *gcInterval > 0 {
		go runGCLoop(ctx, store, *gcInterval)
	}

	mux := http.NewServeMux()
	mux.Handle("/", newAPI(store))
	srv := &http.Server{Addr: *listenFlag, Handler: mux}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		clog.Printf("blobvfsd: listening on %s (backend=%s)", *listenFlag, *backendFlag)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			clog.Fatalf("blobvfsd: serve: %v", err)
		}
	case sig := <-sigc:
		clog.Printf("blobvfsd: signal %s received, shutting down", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			clog.Printf("blobvfsd: shutdown: %v", err)
		}
	}
}

func newBlobBackend() (blobstore.Store, error) {
	switch *backendFlag {
	case "memory", "":
		return memory.NewBlobStore(), nil
	case "localdisk":
		if *dirFlag == "" {
			return nil, fmt.Errorf("-dir is required with -backend=localdisk")
		}
		return localdisk.New(*dirFlag)
	default:
		return nil, fmt.Errorf("unknown -backend %q", *backendFlag)
	}
}

func runGCLoop(ctx context.Context, store *cas.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := store.GC(ctx, cas.GCOptions{})
			if err != nil {
				clog.Printf("blobvfsd: GC sweep failed: %v", err)
				continue
			}
			clog.Debugf("blobvfsd: GC swept %d, deleted %d (%d bytes freed)", res.Scanned, res.DeletedCount, res.BytesFreed)
		}
	}
}

// api is the small JSON surface blobvfsd exposes: PUT to store a
// blob, GET to fetch one, HEAD to check existence. There is no
// equivalent upstream (pkg/blobserver's HTTP surface is the much
// larger blobserver handler protocol); this is a minimal stand-in
// scoped to
// what pkg/cas actually offers.
type api struct {
	store *cas.Store
}

func newAPI(store *cas.Store) *api { return &api{store: store} }

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Path[len("/"):]
	switch r.Method {
	case http.MethodPut:
		a.handlePut(w, r, hash)
	case http.MethodGet:
		a.handleGet(w, r, hash)
	case http.MethodHead:
		a.handleHead(w, r, hash)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handlePut(w http.ResponseWriter, r *http.Request, _ string) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = "blob"
	}
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.store.Put(r.Context(), gitobject.Type(typ), buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request, hash string) {
	obj, ok, err := a.store.Get(r.Context(), hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(obj.Content)
}

func (a *api) handleHead(w http.ResponseWriter, r *http.Request, hash string) {
	ok, err := a.store.Has(r.Context(), hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
