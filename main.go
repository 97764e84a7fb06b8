package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/app"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/config"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("chatsync v%s\n", appVersion)
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
	case "run":
		runCLI(args[1:])
	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: chatsync init <node-directory>")
			os.Exit(1)
		}
		initCLI(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func nodeDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create node directory: %v", err)
	}
	return absDir
}

func runCLI(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	notification := fs.String("notification", "", "JSON data of the push notification that launched the node")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
		fmt.Fprintln(os.Stderr, "Usage: chatsync run [-notification JSON] <node-directory>")
		os.Exit(1)
	}

	absDir := nodeDir(fs.Arg(0))
	cfgPath := filepath.Join(absDir, util.ConfigFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config %s", cfgPath)
	}

	var intent *push.Intent
	if *notification != "" {
		var data map[string]string
		if err := json.Unmarshal([]byte(*notification), &data); err != nil {
			log.Fatalf("Invalid -notification: %v", err)
		}
		in, err := push.Receive(data)
		if err != nil {
			log.Fatalf("Invalid -notification: %v", err)
		}
		intent = &in
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Intent:  intent,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func initCLI(dirArg string) {
	absDir := nodeDir(dirArg)
	cfgPath := filepath.Join(absDir, util.ConfigFile)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("chatsync - realtime chat inbox and call signaling node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chatsync run <directory>     Run the node stored in <directory>")
	fmt.Println("  chatsync init <directory>    Create or edit the node's config interactively")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [-notification JSON] <directory>")
	fmt.Println("        Run a node from the specified directory")
	fmt.Printf("        A default %s is created when missing\n", util.ConfigFile)
	fmt.Println("        -notification opens the call named by a tapped push notification")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
