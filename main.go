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

	"github.com/voxlink-app/voxlink/internal/app"
	"github.com/voxlink-app/voxlink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("voxlink v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires a node directory")
			fmt.Fprintln(os.Stderr, "Usage: voxlink serve <node-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(nodeDirArg string) {
	absDir, err := filepath.Abs(nodeDirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create node directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "voxlink.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		NodeDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("voxlink - friend-to-friend calls and chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  voxlink serve <directory>   Run a node from the given directory")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Start the node. The directory holds voxlink.json and the")
	fmt.Println("        data/ folder (database, chat attachments); both are created")
	fmt.Println("        on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  voxlink serve ./nodes/home")
}

func printBanner(nodeDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     voxlink node                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Node Directory: %s\n", nodeDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()

	addr := cfg.HTTP.Addr
	if addr != "" && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	fmt.Printf("🌐 Web UI:  http://%s\n", addr)
	fmt.Println()
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
