// shmcachectl is a CLI for creating, attaching to, and manipulating
// shmcache regions.
//
// Usage:
//
//	shmcachectl [flags]                          Attach and start the REPL
//	shmcachectl [flags] <command> [args...]       Run one command and exit
//
// Flags:
//
//	--path string     Region backing file (required)
//	--size int        Desired region size in bytes (default: DefaultCacheSize)
//	--config string   Optional JWCC config file to load first
//
// One-shot commands:
//
//	get <key>
//	set <key> <value>
//	add <key> <value>
//	replace <key> <value>
//	del <key>
//	incr <key> [delta] [initial]
//	decr <key> [delta] [initial]
//	exists <key>
//	stats [--format=yaml|text]
//	flush
//	destroy
//
// REPL commands mirror the one-shot commands, plus help/exit/quit.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/shmcache/shmcache/config"
	"github.com/shmcache/shmcache/pkg/shmcache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shmcachectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("shmcachectl", pflag.ContinueOnError)

	path := flags.String("path", "", "region backing file (required)")
	size := flags.Int64("size", 0, "desired region size in bytes")
	configPath := flags.String("config", "", "optional JWCC config file to load first")
	statsFormat := flags.String("format", "text", "stats output format: text|yaml")

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.DefaultConfig()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}

		cfg = loaded
	}

	opts := cfg.ToOptions(*path, *size)
	if opts.Path == "" {
		return errors.New("--path is required (or set it in --config)")
	}

	cache, err := shmcache.Open(opts)
	if err != nil {
		return fmt.Errorf("open region: %w", err)
	}
	defer cache.Close()

	if err := config.WriteManifest(opts.Path, config.Manifest{
		Path:      opts.Path,
		Size:      opts.Size,
		CreatedAt: time.Now(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not write attach manifest: %v\n", err)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		repl := &REPL{cache: cache, path: opts.Path}
		return repl.Run()
	}

	return runOneShot(cache, rest, *statsFormat)
}

func runOneShot(cache *shmcache.Cache, args []string, statsFormat string) error {
	cmd := strings.ToLower(args[0])
	rest := args[1:]

	out, err := dispatch(cache, cmd, rest, statsFormat)
	if err != nil {
		return err
	}

	if out != "" {
		fmt.Println(out)
	}

	return nil
}

// dispatch executes one command against cache and returns its
// human-readable result. Shared by the one-shot mode and the REPL so
// both surfaces stay in sync.
func dispatch(cache *shmcache.Cache, cmd string, args []string, statsFormat string) (string, error) {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return "", errors.New("usage: get <key>")
		}

		val, serialized, found, err := cache.Get([]byte(args[0]))
		if err != nil {
			return "", err
		}

		if !found {
			return "(miss)", nil
		}

		return fmt.Sprintf("%s (serialized=%v)", val, serialized), nil

	case "set":
		if len(args) != 2 {
			return "", errors.New("usage: set <key> <value>")
		}

		ok, err := cache.Set([]byte(args[0]), []byte(args[1]), false)

		return boolResult(ok, err)

	case "add":
		if len(args) != 2 {
			return "", errors.New("usage: add <key> <value>")
		}

		ok, err := cache.Add([]byte(args[0]), []byte(args[1]), false)

		return boolResult(ok, err)

	case "replace":
		if len(args) != 2 {
			return "", errors.New("usage: replace <key> <value>")
		}

		ok, err := cache.Replace([]byte(args[0]), []byte(args[1]), false)

		return boolResult(ok, err)

	case "del", "delete":
		if len(args) != 1 {
			return "", errors.New("usage: del <key>")
		}

		ok, err := cache.Delete([]byte(args[0]))

		return boolResult(ok, err)

	case "exists":
		if len(args) != 1 {
			return "", errors.New("usage: exists <key>")
		}

		ok, err := cache.Exists([]byte(args[0]))

		return boolResult(ok, err)

	case "incr":
		return incrDecr(cache, args, false)

	case "decr":
		return incrDecr(cache, args, true)

	case "flush":
		if err := cache.Flush(); err != nil {
			return "", err
		}

		return "ok", nil

	case "destroy":
		if err := cache.Destroy(); err != nil {
			return "", err
		}

		return "destroyed", nil

	case "stats":
		s, err := cache.Stats()
		if err != nil {
			return "", err
		}

		return formatStats(s, statsFormat)

	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func incrDecr(cache *shmcache.Cache, args []string, negate bool) (string, error) {
	if len(args) < 1 {
		return "", errors.New("usage: incr|decr <key> [delta] [initial]")
	}

	delta := int64(1)
	initial := uint64(0)

	if len(args) > 1 {
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid delta: %w", err)
		}

		delta = v
	}

	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid initial: %w", err)
		}

		initial = v
	}

	var (
		result uint64
		err    error
	)

	if negate {
		result, err = cache.Decrement([]byte(args[0]), delta, initial)
	} else {
		result, err = cache.Increment([]byte(args[0]), delta, initial)
	}

	if err != nil {
		return "", err
	}

	return strconv.FormatUint(result, 10), nil
}

func boolResult(ok bool, err error) (string, error) {
	if err != nil {
		return "", err
	}

	if ok {
		return "ok", nil
	}

	return "failed", nil
}

func formatStats(s shmcache.Stats, format string) (string, error) {
	if strings.EqualFold(format, "yaml") {
		b, err := yaml.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("marshal stats as yaml: %w", err)
		}

		return strings.TrimRight(string(b), "\n"), nil
	}

	return fmt.Sprintf(
		"items=%d/%d hash_load=%.2f value_mem=%d/%d hits=%d misses=%d oldest=%d",
		s.Items, s.MaxItems, s.HashTableLoadFactor,
		s.UsedValueMemSize, s.UsedValueMemSize+s.AvailableValueMemSize,
		s.GetHitCount, s.GetMissCount, s.OldestChunkOffset,
	), nil
}

// REPL is the interactive command loop, styled after the teacher's own
// sloty REPL: liner-backed line editing and history, one line per command.
type REPL struct {
	cache *shmcache.Cache
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmcachectl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("shmcachectl - attached to %s\n", r.path)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("shmcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			printHelp()

		default:
			out, err := dispatch(r.cache, cmd, cmdArgs, "text")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}

			if out != "" {
				fmt.Println(out)
			}
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = r.liner.WriteHistory(f)
		f.Close()
	}
}

func printHelp() {
	fmt.Println(`Commands:
  get <key>
  set <key> <value>
  add <key> <value>
  replace <key> <value>
  del <key>
  incr <key> [delta] [initial]
  decr <key> [delta] [initial]
  exists <key>
  stats
  flush
  destroy
  help
  exit / quit / q`)
}
