package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dirserve/internal/config"
	"dirserve/internal/httpserver"
	"dirserve/internal/spool"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr       = flag.String("addr", "", "listen address (default 0.0.0.0:8080)")
		root       = flag.String("root", os.Getenv("DIRSERVE_ROOT"), "served directory (required if -config is not set)")
		cacheDir   = flag.String("cache", "", "cache dir for transcode spools and thumbs (default: <os temp>/dirserve)")
		showHidden = flag.Bool("show-hidden", envEnabled("DIRSERVE_SHOW_HIDDEN"), "expose dot-entries")
		opusenc    = flag.String("opusenc", "", "opus encoder binary (default: opusenc)")
		bitrate    = flag.Int("bitrate", 0, "opus bitrate in kbit/s (default: 160)")
		cfgPath    = flag.String("config", "", "path to config json (optional)")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	var cfg config.Config
	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			log.Fatal("read config", zap.Error(err))
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			log.Fatal("parse config", zap.Error(err))
		}
	} else {
		if strings.TrimSpace(*root) == "" {
			log.Fatal("missing -root (or provide -config)")
		}
		cfg.Root = *root
		cfg.CacheDir = *cacheDir
		cfg.ShowHidden = *showHidden
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *opusenc != "" {
		cfg.Opusenc.Path = *opusenc
	}
	if *bitrate > 0 {
		cfg.Opusenc.Bitrate = *bitrate
	}
	cfg.ApplyDefaults()

	if cfg.Root == "" {
		log.Fatal("config: root is required")
	}
	// The sandbox requires a fully-resolved root: containment checks compare
	// against it after symlink resolution.
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		log.Fatal("abs root", zap.Error(err))
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		log.Fatal("resolve root", zap.Error(err))
	}
	cfg.Root = resolvedRoot
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "dirserve")
	}

	cache, err := spool.New(cfg.CacheDir)
	if err != nil {
		log.Fatal("cache init", zap.Error(err))
	}
	if err := cache.Sweep(); err != nil {
		log.Warn("cache sweep", zap.Error(err))
	}

	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Cache:  cache,
		Log:    log,
	})
	if err != nil {
		log.Fatal("server init", zap.Error(err))
	}

	log.Info("dirserve listening",
		zap.String("addr", cfg.Addr),
		zap.String("root", cfg.Root),
		zap.Bool("showHidden", cfg.ShowHidden))
	if err := http.ListenAndServe(cfg.Addr, withHeaders(srv.Handler())); err != nil {
		log.Fatal("listen", zap.Error(err))
	}
}

func envEnabled(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "on", "true":
		return true
	}
	return false
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: dirserve passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening; the Server header deliberately names no versions.
		w.Header().Set("Server", "dirserve")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
