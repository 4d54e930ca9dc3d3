package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/syslab-wm/mu"
	"github.com/syslab-wm/tgdh"
)

func configLogger(logLevel string, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func loadParams(paramsFile string, encoding tgdh.KeyEncoding) tgdh.Params {
	if paramsFile == "" {
		return tgdh.DefaultParams()
	}

	params, err := tgdh.ReadParamsFromFile(paramsFile, encoding)
	if err != nil {
		mu.Fatalf("error: can't read params file: %v", err)
	}
	return params
}

func joinAll(g *tgdh.Group, configFile string) {
	members, err := tgdh.ReadMembersFromFile(configFile)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}

	for _, m := range members {
		p, err := tgdh.NewParticipant(m.ID, m.Level)
		if err != nil {
			mu.Fatalf("error: %v", err)
		}
		if err := g.Join(p); err != nil {
			mu.Fatalf("error: %q can't join: %v", m.ID, err)
		}
	}
}

func printKeys(g *tgdh.Group) {
	for _, p := range g.Participants() {
		levelKey, err := p.LevelKey()
		if err != nil {
			mu.Fatalf("error: %v", err)
		}
		groupKey, err := p.GroupKey()
		if err != nil {
			mu.Fatalf("error: %v", err)
		}
		fmt.Printf("%s level=%d level-key=%s group-key=%s\n", p.ID, p.Level,
			hex.EncodeToString(levelKey), hex.EncodeToString(groupKey))
	}
}

func saveState(g *tgdh.Group, outDir string) {
	err := os.MkdirAll(outDir, 0750)
	if err != nil {
		mu.Fatalf("error: can't create out-dir: %v", err)
	}

	for _, p := range g.Participants() {
		base := filepath.Join(outDir, string(p.ID))

		if err := tgdh.WritePrivateKeyToFile(p.KeyPair(), base+"-key.pem"); err != nil {
			mu.Fatalf("error: can't write key for %q: %v", p.ID, err)
		}
		levelSnap, err := p.LevelTree().ExportSnapshot()
		if err != nil {
			mu.Fatalf("error: can't snapshot %q's level tree: %v", p.ID, err)
		}
		if err := levelSnap.Save(base + "-level.json"); err != nil {
			mu.Fatalf("error: %v", err)
		}

		hierSnap, err := p.HierarchyTree().ExportSnapshot()
		if err != nil {
			mu.Fatalf("error: can't snapshot %q's hierarchy tree: %v", p.ID, err)
		}
		if err := hierSnap.Save(base + "-hierarchy.json"); err != nil {
			mu.Fatalf("error: %v", err)
		}
	}

	if update := g.LastUpdate(); update != nil {
		if err := update.Save(filepath.Join(outDir, "update.json")); err != nil {
			mu.Fatalf("error: %v", err)
		}
	}
}

func main() {
	opts := parseOptions()
	logger := configLogger(opts.logLevel, os.Stderr)

	g := tgdh.NewGroup(loadParams(opts.paramsFile, opts.encoding))
	g.SetLogger(logger)

	joinAll(g, opts.configFile)

	for _, id := range opts.leave {
		if err := g.Leave(id); err != nil {
			mu.Fatalf("error: %q can't leave: %v", id, err)
		}
	}

	if g.Size() == 0 {
		fmt.Println("group is empty")
		return
	}

	printKeys(g)

	if opts.outDir != "" {
		saveState(g, opts.outDir)
	}
}
