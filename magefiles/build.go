//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

const shaderDir = "assets/shaders"

// ray tracing stages glslc recognises by extension
var shaderStages = []string{".rgen", ".rchit", ".rahit", ".rmiss"}

type Build mg.Namespace

// Compiles every ray tracing shader under assets/shaders to SPIR-V.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the testbed binary.
func (Build) Testbed() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/raylight", "."), withStream())
	return err
}

func buildShaders() error {
	entries, err := os.ReadDir(shaderDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || !isShaderStage(ext) {
			continue
		}
		src := filepath.Join(shaderDir, e.Name())
		out := src + ".spv"
		if _, err := executeCmd("glslc", withArgs("--target-env=vulkan1.2", "-O", src, "-o", out), withStream()); err != nil {
			return fmt.Errorf("compile %s: %w", src, err)
		}
	}
	return nil
}

func isShaderStage(ext string) bool {
	for _, s := range shaderStages {
		if strings.EqualFold(s, ext) {
			return true
		}
	}
	return false
}
