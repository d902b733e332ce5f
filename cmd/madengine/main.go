// Command madengine is a CLI front-end over the public engine API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/madsys-dev/MadEngine/internal/diag"
	"github.com/madsys-dev/MadEngine/internal/logger"
	"github.com/madsys-dev/MadEngine/pkg/engine"
)

var (
	metaPath    = flag.String("meta", "madengine.meta", "Meta KV file path")
	dataDir     = flag.String("data", "madengine.data", "Block Backend data directory")
	journalPath = flag.String("journal", "madengine.journal", "Allocation reservation journal path")
	cores       = flag.String("cores", "0", "comma-separated reactor core ids, one blobstore per core")
	blobClusters = flag.Uint64("blob-clusters", 16, "initial capacity of each blob, in clusters")
	totalClusters = flag.Uint64("total-clusters", 1024, "total data cluster budget")
	reload      = flag.Bool("reload", false, "reload an existing engine instead of initializing one")
	diagPort    = flag.Int("diag-port", 0, "diagnostics HTTP port (0 disables)")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	logger.InitGlobalLogger(logger.Config{Level: "info", Pretty: true})
	log := logger.GetGlobalLogger()

	opts := engine.Opts{
		MetaDir:           *metaPath,
		DataDir:           *dataDir,
		JournalPath:       *journalPath,
		Blobstores:        parseBlobstores(*cores),
		AppName:           "madengine-cli",
		InitBlobSize:      *blobClusters,
		TotalDataClusters: *totalClusters,
		IsReload:          *reload,
	}

	e, err := engine.New(opts)
	if err != nil {
		log.Fatal("failed to start engine").Err(err).Send()
	}

	if *diagPort != 0 {
		srv := diag.NewServer(*diagPort, e, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("diagnostics server stopped").Err(err).Send()
			}
		}()
	}

	defer func() {
		if err := e.Finish(); err != nil {
			log.Error("error shutting down engine").Err(err).Send()
		}
	}()

	cmd, rest := args[0], args[1:]
	if cmd == "serve" {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("received shutdown signal").Send()
		return
	}

	if err := runCommand(e, cmd, rest); err != nil {
		log.Fatal("command failed").Str("command", cmd).Err(err).Send()
	}
}

func runCommand(e *engine.Engine, cmd string, args []string) error {
	switch cmd {
	case "create":
		requireArgs(args, 1, "create <name>")
		return e.Create(args[0])

	case "remove":
		requireArgs(args, 1, "remove <name>")
		return e.Remove(args[0])

	case "stat":
		requireArgs(args, 1, "stat <name>")
		size, csumType, err := e.Stat(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("size=%d csum_type=%s\n", size, csumType)
		return nil

	case "resize":
		requireArgs(args, 2, "resize <name> <new_size>")
		size, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		return e.Resize(args[0], size)

	case "write":
		requireArgs(args, 3, "write <name> <offset> <data>")
		offset, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[1], err)
		}
		return e.Write(args[0], offset, []byte(args[2]))

	case "read":
		requireArgs(args, 3, "read <name> <offset> <length>")
		offset, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[1], err)
		}
		length, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid length %q: %w", args[2], err)
		}
		out := make([]byte, length)
		if err := e.Read(args[0], offset, out); err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		log.Fatalf("usage: madengine %s", usage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: madengine [flags] <create|remove|stat|resize|write|read|serve> ...")
	flag.PrintDefaults()
}

func parseBlobstores(coreList string) []engine.BlobstoreBinding {
	var bindings []engine.BlobstoreBinding
	core := 0
	start := 0
	for i := 0; i <= len(coreList); i++ {
		if i == len(coreList) || coreList[i] == ',' {
			if i > start {
				n, err := strconv.Atoi(coreList[start:i])
				if err != nil {
					log.Fatalf("invalid core id %q: %v", coreList[start:i], err)
				}
				bindings = append(bindings, engine.BlobstoreBinding{
					BdevName: fmt.Sprintf("data%d", core),
					Core:     n,
				})
				core++
			}
			start = i + 1
		}
	}
	return bindings
}
