//go:build windows

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"splittun-engine/internal/winsvc"
)

// stopCh signals shutdown from the SCM or an OS signal.
var stopCh = make(chan struct{}, 1)

func main() {
	// Subcommands (install, uninstall, start, stop) bypass the flag set
	// used by the running engine itself.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			handleInstall()
			return
		case "uninstall":
			handleUninstall()
			return
		case "start":
			handleStart()
			return
		case "stop":
			handleStop()
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	serviceMode := flag.Bool("service", false, "run as Windows Service (used by SCM)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("splittun-engine %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	resolvedConfig := resolveRelativeToExe(*configPath)

	if *serviceMode || winsvc.IsWindowsService() {
		runFunc := func() error {
			return runEngine(resolvedConfig, stopCh)
		}
		stopFunc := func() {
			close(stopCh)
		}
		if err := winsvc.RunService(runFunc, stopFunc); err != nil {
			fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Console mode: translate Ctrl+C into the same stop signal the SCM uses.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stopCh)
	}()

	if err := runEngine(resolvedConfig, stopCh); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// handleInstall registers the service with the Windows SCM.
func handleInstall() {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file (optional)")
	fs.Parse(os.Args[2:])

	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot determine executable path: %v\n", err)
		os.Exit(1)
	}
	if err := winsvc.InstallService(exePath, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully.")
}

// handleUninstall removes the service from the Windows SCM.
func handleUninstall() {
	if err := winsvc.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service uninstalled successfully.")
}

// handleStart starts the service via SCM.
func handleStart() {
	if err := winsvc.StartService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service started successfully.")
}

// handleStop stops the service via SCM.
func handleStop() {
	if err := winsvc.StopService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service stopped successfully.")
}
