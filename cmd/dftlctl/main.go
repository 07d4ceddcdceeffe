// Command dftlctl is a demonstration harness for the D-FTL: it wires an
// internal/ftl.FTL to a backing store and drives it from simple
// line-oriented commands on stdin, the way tinySQL's cmd/repl drives a
// database/sql handle from a scanner loop. It is not a protocol server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ryogrid/dftl-kvssd/internal/backing"
	"github.com/ryogrid/dftl-kvssd/internal/config"
	"github.com/ryogrid/dftl-kvssd/internal/ftl"
	"github.com/ryogrid/dftl-kvssd/internal/line"
	"github.com/ryogrid/dftl-kvssd/internal/logging"
)

var (
	flagConfig = flag.String("config", "", "path to a YAML config file (defaults baked in if omitted)")
	flagLevel  = flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *flagLevel != "" {
		cfg.LogLevel = *flagLevel
	}
	logging.Init(cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		os.Exit(1)
	}
	defer store.Close()

	f := ftl.New(cfg, store)
	runREPL(f)
}

func loadConfig(path string) (config.Params, error) {
	if path == "" {
		return config.New(), nil
	}
	return config.Load(path)
}

func openStore(cfg config.Params) (backing.Store, error) {
	if cfg.BackingFile == "" {
		totalPages := line.NewGeometry(cfg).TotalPages()
		return backing.NewMemStore(totalPages, cfg.PageSize), nil
	}
	return backing.NewDirectStore(cfg.BackingFile, line.NewGeometry(cfg).TotalPages(), cfg.PageSize)
}

// runREPL reads one command per line: "store KEY VALUE", "retrieve KEY",
// "delete KEY", "flush", or "stat". Unlike tinySQL's repl, dftlctl prints no
// banner/prompt in non-interactive use (input is almost always piped) and
// treats every line independently rather than accumulating a statement.
func runREPL(f *ftl.FTL) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := dispatch(f, line); err != nil {
			fmt.Println("ERR:", err)
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "read error:", err)
	}
}

func dispatch(f *ftl.FTL, line string) error {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "store":
		if len(fields) != 3 {
			return fmt.Errorf("usage: store KEY VALUE")
		}
		if err := f.Store([]byte(fields[1]), []byte(fields[2])); err != nil {
			return err
		}
		fmt.Println("OK")
	case "retrieve", "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: retrieve KEY")
		}
		value, err := f.Retrieve([]byte(fields[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", value)
	case "delete", "del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete KEY")
		}
		if err := f.Delete([]byte(fields[1])); err != nil {
			return err
		}
		fmt.Println("OK")
	case "flush":
		if err := f.Flush(); err != nil {
			return err
		}
		fmt.Println("OK")
	case "stat":
		fmt.Printf("read_collisions=%d write_collisions=%d\n", f.Stats.ReadCollisions, f.Stats.WriteCollisions)
	default:
		return fmt.Errorf("unknown command %q (want store|retrieve|delete|flush|stat)", fields[0])
	}
	return nil
}
