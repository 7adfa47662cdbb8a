//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the testbed with config.toml.
func (Run) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "config.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Renders a few frames on the software backend and writes frame.png.
func (Run) Headless() error {
	_, err := executeCmd("go", withArgs("run", ".", "-config", "config.toml", "-backend", "soft", "-frames", "4"), withStream())
	return err
}
