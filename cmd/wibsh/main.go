// wibsh is an interactive shell for poking at write-intent bitmap images.
//
// Usage:
//
//	wibsh <image>
//
// Commands (in REPL):
//
//	sb                Show the superblock
//	info              Show derived geometry
//	bit <chunk>       Read one chunk bit
//	set <chunk>       Mark a chunk dirty
//	clear <chunk>     Mark a chunk clean
//	dirty [limit]     List dirty chunks
//	help              Show this help
//	exit / quit / q   Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/writeintent/pkg/bitmap"
	"github.com/calvinalkan/writeintent/pkg/blockio"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: wibsh <image>")
		os.Exit(2)
	}

	err := repl(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wibsh: %v\n", err)
		os.Exit(1)
	}
}

func repl(path string) error {
	store, err := blockio.OpenFileStore(path, false)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := bitmap.ReadImageSuperblock(store)
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".wibsh_history")
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Printf("%s: %d chunks of %d bytes%s\n",
		path, info.Chunks(), info.Chunksize, staleSuffix(info))

	for {
		input, err := line.Prompt("wib> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)

		done, err := dispatch(store, &info, fields)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}

		if done {
			return nil
		}
	}
}

func staleSuffix(info bitmap.ImageInfo) string {
	if info.Stale() {
		return " (stale)"
	}

	return ""
}

func dispatch(store blockio.Store, info *bitmap.ImageInfo, fields []string) (bool, error) {
	switch fields[0] {
	case "exit", "quit", "q":
		return true, nil
	case "help":
		fmt.Println("commands: sb, info, bit <chunk>, set <chunk>, clear <chunk>, dirty [limit], exit")
		return false, nil
	case "sb":
		return false, bitmap.DumpImageSuperblock(store, os.Stdout)
	case "info":
		fmt.Printf("chunks: %d\nchunksize: %d B\nsync size: %d sectors\nhostendian: %v\nstale: %v\n",
			info.Chunks(), info.Chunksize, info.SyncSize, info.HostEndian(), info.Stale())
		return false, nil
	case "bit":
		chunk, err := chunkArg(fields)
		if err != nil {
			return false, err
		}

		on, err := bitmap.ImageBit(store, *info, chunk)
		if err != nil {
			return false, err
		}

		if on {
			fmt.Println("dirty")
		} else {
			fmt.Println("clean")
		}

		return false, nil
	case "set", "clear":
		chunk, err := chunkArg(fields)
		if err != nil {
			return false, err
		}

		return false, bitmap.SetImageBit(store, *info, chunk, fields[0] == "set")
	case "dirty":
		limit := uint64(64)

		if len(fields) == 2 {
			parsed, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return false, fmt.Errorf("parse limit: %w", err)
			}

			limit = parsed
		}

		shown := uint64(0)

		for chunk := uint64(0); chunk < info.Chunks() && shown < limit; chunk++ {
			on, err := bitmap.ImageBit(store, *info, chunk)
			if err != nil {
				return false, err
			}

			if on {
				fmt.Printf("chunk %d\n", chunk)
				shown++
			}
		}

		fmt.Printf("%d dirty chunks shown\n", shown)

		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func chunkArg(fields []string) (uint64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("%s needs a chunk number", fields[0])
	}

	chunk, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chunk: %w", err)
	}

	return chunk, nil
}
