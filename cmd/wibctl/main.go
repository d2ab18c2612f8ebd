// wibctl manages write-intent bitmap images and their configuration.
//
// Usage:
//
//	wibctl format [opts] <image>     Create a fresh file-backed image
//	wibctl sb <image>                Print the superblock
//	wibctl dump <image> [start [n]]  Print chunk bits
//	wibctl bit <image> <chunk>       Read one chunk bit
//	wibctl setbit <image> <chunk> <0|1>
//	wibctl attr get <config> <name>  Read an attribute from a config file
//	wibctl attr set <config> <name> <value>
//
// The attribute store is a HuJSON file holding the array-side bitmap
// configuration; values are validated with the same rules the attribute
// surface applies.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/writeintent/pkg/bitmap"
	"github.com/calvinalkan/writeintent/pkg/blockio"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	var err error

	switch args[0] {
	case "format":
		err = cmdFormat(args[1:])
	case "sb":
		err = cmdSB(args[1:])
	case "dump":
		err = cmdDump(args[1:])
	case "bit":
		err = cmdBit(args[1:])
	case "setbit":
		err = cmdSetBit(args[1:])
	case "attr":
		err = cmdAttr(args[1:])
	case "help", "--help", "-h":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "wibctl: %v\n", err)
		return 1
	}

	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  wibctl format [opts] <image>
  wibctl sb <image>
  wibctl dump <image> [start [count]]
  wibctl bit <image> <chunk>
  wibctl setbit <image> <chunk> <0|1>
  wibctl attr get <config> <name>
  wibctl attr set <config> <name> <value>`)
}

func cmdFormat(args []string) error {
	fs := flag.NewFlagSet("format", flag.ContinueOnError)

	sizeSectors := fs.Uint64("size-sectors", 0, "device size in 512-byte sectors")
	chunksize := fs.Uint32("chunksize", 64*1024, "chunk size in bytes (power of two >= 512)")
	sleep := fs.Duration("daemon-sleep", 5*time.Second, "daemon period")
	writeBehind := fs.Uint32("write-behind", 0, "max write-behind requests")
	uuidStr := fs.String("uuid", "", "array UUID (random if empty)")
	hostEndian := fs.Bool("hostendian", false, "use legacy native bit order")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("format needs exactly one image path")
	}

	if *sizeSectors == 0 {
		return errors.New("--size-sectors is required")
	}

	if *chunksize < 512 || bits.OnesCount32(*chunksize) != 1 {
		return fmt.Errorf("chunksize %d must be a power of two >= 512", *chunksize)
	}

	id := uuid.New()
	if *uuidStr != "" {
		id, err = uuid.Parse(*uuidStr)
		if err != nil {
			return fmt.Errorf("parse uuid: %w", err)
		}
	}

	path := fs.Arg(0)

	store, err := blockio.OpenFileStore(path, true)
	if err != nil {
		return err
	}

	// Pre-extend the file so the engine's size check passes; the load
	// below repaints it as a full-resync image.
	chunkSectors := uint64(*chunksize) >> 9
	chunks := (*sizeSectors + chunkSectors - 1) / chunkSectors
	imageBytes := (chunks+7)/8 + 256

	err = store.WriteAt([]byte{0}, int64(imageBytes)-1)
	if err != nil {
		return fmt.Errorf("extend image: %w", err)
	}

	array := &standaloneArray{id: id, sectors: *sizeSectors}

	b, err := bitmap.New(bitmap.Options{
		Array:          array,
		File:           store,
		Path:           path,
		Chunksize:      *chunksize,
		DaemonSleep:    *sleep,
		MaxWriteBehind: *writeBehind,
		FirstUse:       true,
		HostEndian:     *hostEndian,
	})
	if err != nil {
		return err
	}

	err = b.Load()
	if err != nil {
		return err
	}

	b.Flush()

	err = b.Destroy()
	if err != nil {
		return err
	}

	fmt.Printf("formatted %s: %d chunks of %d bytes, %d image bytes\n",
		path, chunks, *chunksize, imageBytes)

	return nil
}

func cmdSB(args []string) error {
	if len(args) != 1 {
		return errors.New("sb needs exactly one image path")
	}

	store, err := blockio.OpenFileStore(args[0], false)
	if err != nil {
		return err
	}
	defer store.Close()

	return bitmap.DumpImageSuperblock(store, os.Stdout)
}

func cmdDump(args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("dump needs an image path and optional start/count")
	}

	store, err := blockio.OpenFileStore(args[0], false)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := bitmap.ReadImageSuperblock(store)
	if err != nil {
		return err
	}

	start := uint64(0)
	count := info.Chunks()

	if len(args) >= 2 {
		start, err = strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse start: %w", err)
		}
	}

	if len(args) == 3 {
		count, err = strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("parse count: %w", err)
		}
	}

	set := uint64(0)

	for chunk := start; chunk < start+count && chunk < info.Chunks(); chunk++ {
		on, err := bitmap.ImageBit(store, info, chunk)
		if err != nil {
			return err
		}

		if on {
			fmt.Printf("chunk %d: dirty\n", chunk)
			set++
		}
	}

	fmt.Printf("%d of %d chunks dirty\n", set, count)

	return nil
}

func cmdBit(args []string) error {
	if len(args) != 2 {
		return errors.New("bit needs an image path and a chunk")
	}

	store, err := blockio.OpenFileStore(args[0], false)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := bitmap.ReadImageSuperblock(store)
	if err != nil {
		return err
	}

	chunk, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parse chunk: %w", err)
	}

	on, err := bitmap.ImageBit(store, info, chunk)
	if err != nil {
		return err
	}

	if on {
		fmt.Println("dirty")
	} else {
		fmt.Println("clean")
	}

	return nil
}

func cmdSetBit(args []string) error {
	if len(args) != 3 {
		return errors.New("setbit needs an image path, a chunk, and 0 or 1")
	}

	store, err := blockio.OpenFileStore(args[0], false)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := bitmap.ReadImageSuperblock(store)
	if err != nil {
		return err
	}

	chunk, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parse chunk: %w", err)
	}

	value := args[2] == "1"
	if !value && args[2] != "0" {
		return fmt.Errorf("bit value %q must be 0 or 1", args[2])
	}

	return bitmap.SetImageBit(store, info, chunk, value)
}

// attrConfig is the HuJSON attribute store consumed by whatever embeds the
// engine.
type attrConfig map[string]string

func loadAttrConfig(path string) (attrConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return attrConfig{}, nil
		}

		return nil, fmt.Errorf("read config: %w", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg attrConfig

	err = json.Unmarshal(std, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func saveAttrConfig(path string, cfg attrConfig) error {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	out = append(out, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(out))
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func cmdAttr(args []string) error {
	if len(args) < 3 {
		return errors.New("attr needs get/set, a config path, and a name")
	}

	path, name := args[1], args[2]

	switch args[0] {
	case "get":
		cfg, err := loadAttrConfig(path)
		if err != nil {
			return err
		}

		value, ok := cfg[name]
		if !ok {
			return fmt.Errorf("attribute %q not set", name)
		}

		fmt.Println(value)

		return nil
	case "set":
		if len(args) != 4 {
			return errors.New("attr set needs a value")
		}

		value := args[3]

		err := validateAttr(name, value)
		if err != nil {
			return err
		}

		cfg, err := loadAttrConfig(path)
		if err != nil {
			return err
		}

		cfg[name] = value

		return saveAttrConfig(path, cfg)
	default:
		return fmt.Errorf("unknown attr action %q", args[0])
	}
}

// validateAttr applies the attribute surface's validation rules offline,
// through a controller with no active bitmap.
func validateAttr(name, value string) error {
	known := false

	for _, n := range bitmap.AttrNames() {
		if n == name {
			known = true
			break
		}
	}

	if !known {
		return fmt.Errorf("unknown attribute %q", name)
	}

	switch name {
	case "location":
		// Syntax only: activation happens where the array lives.
		if value == "none" {
			return nil
		}

		if len(value) > 5 && value[:5] == "file:" {
			return fmt.Errorf("location %q: file-backed locations are not supported", value)
		}

		_, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("location %q: %w", value, err)
		}

		return nil
	case "can_clear", "max_backlog_used":
		return fmt.Errorf("attribute %q needs an active bitmap", name)
	default:
		c := bitmap.NewController(&standaloneArray{id: uuid.New()}, nil, nil)

		return c.SetAttr(name, value)
	}
}

// standaloneArray is the minimal array stand-in for offline image work: no
// members, never degraded, nothing syncing.
type standaloneArray struct {
	id      uuid.UUID
	sectors uint64
}

func (a *standaloneArray) UUID() uuid.UUID            { return a.id }
func (a *standaloneArray) Events() uint64             { return 0 }
func (a *standaloneArray) Persistent() bool           { return false }
func (a *standaloneArray) Degraded() bool             { return false }
func (a *standaloneArray) Syncing() bool              { return false }
func (a *standaloneArray) ResyncMaxSectors() uint64   { return a.sectors }
func (a *standaloneArray) RecoveryOffset() uint64     { return 0 }
func (a *standaloneArray) SetRecoveryOffset(uint64)   {}
func (a *standaloneArray) SetResyncCompleted(uint64)  {}
func (a *standaloneArray) WaitRecoveryIdle()          {}
func (a *standaloneArray) Quiesce(bool)               {}
func (a *standaloneArray) Members() []*blockio.Member { return nil }

var _ bitmap.Array = (*standaloneArray)(nil)
