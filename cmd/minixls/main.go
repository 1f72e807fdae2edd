// Command minixls opens a file-backed MINIX image, mounts it, and lists
// the root directory's entries with each one's inode metadata. It
// performs no path resolution beyond the root directory -- walking
// subdirectories is out of this module's scope.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/fsimage"
	"github.com/minix012/kernel/inode"
	"github.com/minix012/kernel/internal/blkdev"
	"github.com/minix012/kernel/internal/blkdev/fdisk"
	"github.com/minix012/kernel/super"

	flag "github.com/spf13/pflag"
)

const imageDev = 1

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("minixls", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	longFormat := flagSet.BoolP("long", "l", false, "print mode/size alongside each name")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: minixls [-l] <image-path>")
		return 2
	}

	logger := log.New(errOut, "minixls: ", 0)
	cache, table, registry, closeFn, err := mountImage(flagSet.Arg(0), logger)
	if err != nil {
		fmt.Fprintf(errOut, "minixls: %v\n", err)
		return 1
	}
	defer closeFn()

	root, err := registry.Mount(imageDev, nil)
	if err != nil {
		fmt.Fprintf(errOut, "minixls: mount: %v\n", err)
		return 1
	}
	defer table.Iput(root)

	listRootDirectory(out, cache, table, root, *longFormat)
	return 0
}

func mountImage(path string, logger *log.Logger) (*buffercache.Cache, *inode.Table, *super.Registry, func(), error) {
	disk, err := fdisk.Open(path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	router := blkdev.NewRouter(blkdev.NRRequest)
	router.Register(imageDev, disk)

	cache := buffercache.New(64, router, logger)
	registry := super.NewRegistry(cache, nil, logger)
	table := inode.NewTable(64, cache, registry, logger)
	registry.SetTable(table)
	cache.SetInodeFlusher(table.SyncInodes)

	closeFn := func() {
		cache.SyncDev(imageDev)
		disk.Close()
	}
	return cache, table, registry, closeFn, nil
}

func listRootDirectory(out io.Writer, cache *buffercache.Cache, table *inode.Table, root *inode.Inode, longFormat bool) {
	size := root.Size
	var offset uint32
	for blockIdx := uint32(0); offset < size; blockIdx++ {
		zone := table.Bmap(root, blockIdx)
		if zone == 0 {
			break
		}
		bh, ok := cache.Bread(imageDev, zone)
		if !ok {
			fmt.Fprintln(out, "minixls: unreadable directory block")
			return
		}
		for rec := 0; rec < fsimage.DirEntriesPerBlock && offset < size; rec++ {
			entry := fsimage.DecodeDirEntry(bh.Data()[rec*fsimage.DirEntrySize : (rec+1)*fsimage.DirEntrySize])
			offset += fsimage.DirEntrySize
			if entry.Inode != 0 {
				printEntry(out, table, entry, longFormat)
			}
		}
		cache.Brelse(bh)
	}
}

func printEntry(out io.Writer, table *inode.Table, entry fsimage.DirEntry, longFormat bool) {
	name := trimName(entry.Name[:])
	if !longFormat {
		fmt.Fprintln(out, name)
		return
	}
	in := table.Iget(imageDev, uint32(entry.Inode))
	fmt.Fprintf(out, "%6o %8d %s\n", in.Mode, in.Size, name)
	table.Iput(in)
}

func trimName(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
