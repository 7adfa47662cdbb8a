/*
Raylight testbed: traces the configured scene, or a builtin one, with the
engine package.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/raylight/engine"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration")
	backend := flag.String("backend", "", "rendering backend, overrides the configuration")
	frames := flag.Uint("frames", 0, "frames to render before exiting, overrides the configuration")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Renderer.Backend = *backend
	}
	if *frames > 0 {
		cfg.Application.Frames = uint32(*frames)
	}
	log := core.NewLogger(os.Stderr, cfg.Log.Level, "raylight")

	tb := testbed.NewTestGame()

	engine, err := engine.New(cfg, log, tb.Game)
	if err != nil {
		log.Fatal("failed to create the engine: %s", err)
	}

	if err := engine.Initialize(); err != nil {
		_ = engine.Shutdown()
		log.Fatal("failed to initialize the engine: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// the loop notices the quit on its next frame and returns
	go func() {
		<-sigCh
		engine.Quit()
	}()

	// run engine
	runErr := engine.Run()
	if err := engine.Shutdown(); err != nil {
		log.Error("shutdown: %s", err)
	}
	if runErr != nil {
		log.Fatal(runErr.Error())
	}
}
