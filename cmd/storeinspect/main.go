// Command storeinspect mounts a flash image file on disk and dumps the
// contents of /layers, /macros, and /ee for offline debugging, without
// needing a physical keyboard attached.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

func main() {
	imagePath := flag.String("image", "", "path to a flash image file (created if missing)")
	blockSize := flag.Uint("block-size", 4096, "erase block size in bytes")
	blockCount := flag.Uint("block-count", 256, "number of erase blocks")
	verbose := flag.Bool("v", false, "enable debug logging")
	format := flag.Bool("format", false, "format the image before mounting")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: storeinspect -image <path> [-format] [-v]")
		os.Exit(2)
	}

	cfg := blockfs.DefaultConfig()
	cfg.BlockSize = uint32(*blockSize)
	cfg.BlockCount = uint32(*blockCount)

	flash, err := openFileFlash(*imagePath, int64(cfg.BlockSize)*int64(cfg.BlockCount))
	if err != nil {
		logrus.WithError(err).Fatal("open flash image")
	}
	defer flash.Close()

	dev, err := blockfs.NewFlashBlockDevice(cfg, flash)
	if err != nil {
		logrus.WithError(err).Fatal("construct block device")
	}

	fs, err := blockfs.NewFilesystem(cfg, dev, blockfs.NewMemBackingFS())
	if err != nil {
		logrus.WithError(err).Fatal("construct filesystem")
	}

	if *format {
		if err := fs.Format(); err != nil {
			logrus.WithError(err).Fatal("format")
		}
	}
	if err := fs.Mount(); err != nil {
		logrus.WithError(err).Fatal("mount")
	}
	defer fs.Unmount()

	fmt.Printf("volume %s\n", dev.VolumeID())
	if usage, err := fs.Stat(); err != nil {
		logrus.WithError(err).Warn("stat failed")
	} else {
		fmt.Printf("used %d / %d bytes (%d free)\n", usage.UsedBytes, usage.TotalBytes, usage.FreeBytes)
	}
	fmt.Println()
	dumpDir(fs, "/layers")
	dumpDir(fs, "/macros")
	dumpDir(fs, "/ee")
	dumpDir(fs, "/via")
}

func dumpDir(fs *blockfs.Filesystem, dir string) {
	fmt.Printf("%s:\n", dir)
	exists, err := fs.Exists(dir)
	if err != nil || !exists {
		fmt.Println("  (not present)")
		return
	}
	fd, err := fs.OpenDir(dir)
	if err != nil {
		fmt.Printf("  (open failed: %v)\n", err)
		return
	}
	defer fs.CloseDir(fd)

	for {
		entry, ok, err := fs.ReadDir(fd)
		if err != nil {
			fmt.Printf("  (readdir failed: %v)\n", err)
			return
		}
		if !ok {
			break
		}
		if entry.IsDir {
			fmt.Printf("  %s/\n", entry.Name)
			continue
		}
		fmt.Printf("  %-16s %6d bytes\n", entry.Name, entry.Size)
	}
}
