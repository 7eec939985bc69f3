// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/duochat/duochat/internal/app"
	"github.com/duochat/duochat/internal/config"
)

var (
	baseDir  = flag.String("dir", ".", "Base directory for config and data")
	cfgFile  = flag.String("config", "config.json", "Config file path (relative to -dir)")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("duochat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*baseDir)
	if err != nil {
		log.Fatalf("Invalid base directory: %v", err)
	}
	cfgPath := *cfgFile
	if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(absDir, cfgPath)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{BaseDir: absDir, Cfg: cfg}); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
}

func showUsage() {
	fmt.Println("duochat — 1:1 chat and calling client")
	fmt.Println()
	fmt.Println("Usage: duochat [flags]")
	fmt.Println()
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("First run: provision the session with DUOCHAT_USER_ID and DUOCHAT_TOKEN")
	fmt.Println("(optionally DUOCHAT_DISPLAY_NAME, DUOCHAT_AVATAR_URL); it is persisted")
	fmt.Println("in the data directory afterwards.")
}
