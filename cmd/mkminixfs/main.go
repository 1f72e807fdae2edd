// Command mkminixfs formats a file-backed disk image as a fresh MINIX
// filesystem: a zeroed boot block, a valid superblock, inode and zone
// bitmaps, and a root directory containing "." and "..".
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/minix012/kernel/fsimage"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("mkminixfs", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	blocks := flagSet.Uint32P("blocks", "b", 4096, "device size in 1024-byte blocks")
	ninodes := flagSet.Uint32P("inodes", "i", 512, "number of inodes")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: mkminixfs [-b blocks] [-i inodes] <image-path>")
		return 2
	}
	path := flagSet.Arg(0)

	image, layout, err := fsimage.Format(*blocks, *ninodes)
	if err != nil {
		fmt.Fprintf(errOut, "mkminixfs: %v\n", err)
		return 1
	}
	if err := fsimage.WriteFile(path, image); err != nil {
		fmt.Fprintf(errOut, "mkminixfs: writing %s: %v\n", path, err)
		return 1
	}

	fmt.Fprintf(out, "formatted %s: %d blocks, %d inodes, first data zone %d\n",
		path, *blocks, *ninodes, layout.FirstDataZone)
	return 0
}
