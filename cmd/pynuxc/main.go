// Command pynuxc is the Pynux compiler's command-line front end: compile to
// ELF, compile-and-run under an emulator, or emit assembly only.
package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/pynux-lang/pynux/internal/diag"
	"github.com/pynux-lang/pynux/pkg/driver"
	"github.com/pynux-lang/pynux/pkg/utils"
)

func main() {
	cmd := &cli.Command{
		Name:  "pynuxc",
		Usage: "Python-syntax to ARM Thumb-2 compiler",
		Commands: []*cli.Command{
			compileCommand(),
			runCommand(),
			asmCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		diag.Error("%v", err)
		os.Exit(1)
	}
}

// projectRoot is the directory import paths resolve against: the source
// file's own parent, matching the original compiler's "project root is
// wherever the entry file lives" convention for a single-repo build.
func projectRoot(sourceFile string) string {
	_, parentDir, err := utils.GetPathInfo(sourceFile)
	if err != nil {
		return filepath.Dir(sourceFile)
	}
	return parentDir
}

func compileCommand() *cli.Command {
	return &cli.Command{
		Name:      "compile",
		Usage:     "compile a source file to an ELF executable",
		ArgsUsage: "<source>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output ELF path"},
			&cli.BoolFlag{Name: "emit-asm", Usage: "also write the generated assembly next to the source"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			source := cmd.Args().First()
			if source == "" {
				return cli.Exit("compile requires a source file", 1)
			}
			if _, err := os.Stat(source); err != nil {
				return cli.Exit(source+" not found", 1)
			}

			asm, err := driver.Build(source, projectRoot(source), true)
			if err != nil {
				return cli.Exit(err, 1)
			}

			output := cmd.String("output")
			if output == "" {
				output = strings.TrimSuffix(source, filepath.Ext(source)) + ".elf"
			}

			if cmd.Bool("emit-asm") {
				asmPath := strings.TrimSuffix(source, filepath.Ext(source)) + ".s"
				if err := os.WriteFile(asmPath, []byte(asm), 0o644); err != nil {
					return cli.Exit(err, 1)
				}
				diag.Info("assembly written to %s", asmPath)
			}

			runtimeDir, err := findRuntime()
			if err != nil {
				return cli.Exit(err, 1)
			}
			if err := assembleAndLink(asm, output, runtimeDir); err != nil {
				return cli.Exit(err, 1)
			}
			diag.Info("compiled to %s", output)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "compile and run a source file under an ARM emulator",
		ArgsUsage: "<source>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "timeout", Value: 5, Usage: "emulator timeout in seconds"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			source := cmd.Args().First()
			if source == "" {
				return cli.Exit("run requires a source file", 1)
			}
			if _, err := os.Stat(source); err != nil {
				return cli.Exit(source+" not found", 1)
			}

			asm, err := driver.Build(source, projectRoot(source), true)
			if err != nil {
				return cli.Exit(err, 1)
			}

			runtimeDir, err := findRuntime()
			if err != nil {
				return cli.Exit(err, 1)
			}

			tmpDir, err := os.MkdirTemp("", "pynuxc-run-")
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer os.RemoveAll(tmpDir)

			elfPath := filepath.Join(tmpDir, "main.elf")
			if err := assembleAndLink(asm, elfPath, runtimeDir); err != nil {
				return cli.Exit(err, 1)
			}

			diag.Info("running %s in the emulator (Ctrl+A, X to exit)...", source)
			runCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
			defer cancel()
			return runEmulator(runCtx, elfPath)
		},
	}
}

func asmCommand() *cli.Command {
	return &cli.Command{
		Name:      "asm",
		Usage:     "emit assembly only, without assembling or linking",
		ArgsUsage: "<source>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output assembly path (stdout if omitted)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			source := cmd.Args().First()
			if source == "" {
				return cli.Exit("asm requires a source file", 1)
			}
			if _, err := os.Stat(source); err != nil {
				return cli.Exit(source+" not found", 1)
			}

			asm, err := driver.Build(source, projectRoot(source), false)
			if err != nil {
				return cli.Exit(err, 1)
			}

			output := cmd.String("output")
			if output == "" {
				os.Stdout.WriteString(asm)
				return nil
			}
			return os.WriteFile(output, []byte(asm), 0o644)
		},
	}
}

// findRuntime locates the hand-written runtime directory (startup.s, io.s,
// the linker script) the assembler/linker step needs — out of this
// compiler's scope to generate, per spec.md's non-goals, but its path must
// still be found to invoke the external toolchain.
func findRuntime() (string, error) {
	if dir := os.Getenv("PYNUX_RUNTIME"); dir != "" {
		return dir, nil
	}
	if _, err := os.Stat("runtime"); err == nil {
		return "runtime", nil
	}
	return "", cli.Exit("cannot find runtime directory (set PYNUX_RUNTIME)", 1)
}

// assembleAndLink shells out to the external ARM toolchain (arm-none-eabi-as
// / -ld): assembling and linking machine code is explicitly out of scope
// for the compiler itself (spec.md §1's "external assembler/linker").
func assembleAndLink(asm, output, runtimeDir string) error {
	tmpDir, err := os.MkdirTemp("", "pynuxc-build-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	asmPath := filepath.Join(tmpDir, "main.s")
	if err := os.WriteFile(asmPath, []byte(asm), 0o644); err != nil {
		return err
	}

	startupObj := filepath.Join(tmpDir, "startup.o")
	ioObj := filepath.Join(tmpDir, "io.o")
	mainObj := filepath.Join(tmpDir, "main.o")

	if err := runAs(filepath.Join(runtimeDir, "startup.s"), startupObj); err != nil {
		return err
	}
	if err := runAs(filepath.Join(runtimeDir, "io.s"), ioObj); err != nil {
		return err
	}
	if err := runAs(asmPath, mainObj); err != nil {
		return err
	}

	linkerScript := filepath.Join(runtimeDir, "mps2-an385.ld")
	link := exec.Command("arm-none-eabi-ld", "-T", linkerScript, "-o", output, startupObj, ioObj, mainObj)
	link.Stderr = os.Stderr
	return link.Run()
}

func runAs(src, obj string) error {
	cmd := exec.Command("arm-none-eabi-as", "-mcpu=cortex-m3", "-mthumb", "-o", obj, src)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runEmulator(ctx context.Context, elfPath string) error {
	cmd := exec.CommandContext(ctx, "qemu-system-arm",
		"-M", "mps2-an385",
		"-nographic",
		"-kernel", elfPath,
		"-semihosting-config", "enable=on,target=native",
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		// Expected: the emulated program loops forever after main returns.
		return nil
	}
	return err
}
