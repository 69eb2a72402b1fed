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

// Command mountfs mounts a blobvfs page-VFS as a real FUSE filesystem,
// grounded on cmd/pk-mount/pkmount.go's flag/mount/signal-driven-
// unmount structure, adapted here to serve pkg/vfs over
// bazil.org/fuse instead of pkg/fs's CamliFileSystem.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/corestash/blobvfs/backend/localdisk"
	"github.com/corestash/blobvfs/backend/memory"
	"github.com/corestash/blobvfs/internal/clog"
	"github.com/corestash/blobvfs/internal/extent"
	"github.com/corestash/blobvfs/pkg/blobstore"
	"github.com/corestash/blobvfs/pkg/vfs"
)

var (
	backendFlag = flag.String("backend", "memory", `blob backend to use: "memory" or "localdisk"`)
	dirFlag     = flag.String("dir", "", "root directory for -backend=localdisk")
	pageSize    = flag.Int("pagesize", extent.DefaultOptions().PageSize, "extent page size in bytes")
	debug       = flag.Bool("debug", false, "log every FUSE request")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mountfs [opts] <mountpoint>\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}
	mountPoint := flag.Arg(0)

	blobs, err := newBlobBackend()
	if err != nil {
		clog.Fatalf("mountfs: %v", err)
	}
	meta := memory.NewMetaStore()

	opts := extent.DefaultOptions()
	opts.PageSize = *pageSize
	packer, err := extent.New(blobs, meta, opts)
	if err != nil {
		clog.Fatalf("mountfs: building extent packer: %v", err)
	}

	v := vfs.New(packer, func() int64 { return time.Now().UnixMilli() })

	if *debug {
		fuse.Debug = func(msg interface{}) { clog.Printf("fuse: %v", msg) }
	}

	conn, err := fuse.Mount(mountPoint, fuse.VolumeName(filepath.Base(mountPoint)))
	if err != nil {
		clog.Fatalf("mountfs: mount %s: %v", mountPoint, err)
	}
	defer conn.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	doneServe := make(chan error, 1)
	go func() {
		doneServe <- fusefs.Serve(conn, &FS{vfs: v})
	}()

	select {
	case err := <-doneServe:
		clog.Printf("mountfs: Serve returned: %v", err)
	case sig := <-sigc:
		clog.Printf("mountfs: signal %s received, unmounting", sig)
	}

	if err := fuse.Unmount(mountPoint); err != nil {
		clog.Printf("mountfs: unmount %s: %v", mountPoint, err)
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
