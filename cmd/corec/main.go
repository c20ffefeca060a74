// Command corec is a small diagnostic shell around the compiler core: it
// does not parse SourceLang (no front end ships in this repository - see
// pkg/compiler/collaborators.go) but it can disassemble an already-
// assembled bytecode blob, which is useful when chasing down a mismatch
// between what a collaborator emitted and what the finalized image
// actually contains.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/urfave/cli"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/vm"
	"go.uber.org/zap"
)

var runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "corec",
	Subsystem: "vm",
	Name:      "run_duration_seconds",
	Help:      "wall time of a trace-interpreter run invoked from the run command.",
})

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app := cli.NewApp()
	app.Name = "corec"
	app.Usage = "diagnostics for the contract compiler core"
	app.Commands = []cli.Command{
		disasmCommand(logger),
		runCommand(logger),
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("corec failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func disasmCommand(logger *zap.Logger) cli.Command {
	return cli.Command{
		Name:      "disasm",
		Usage:     "disassemble a hex-encoded creation or runtime bytecode blob",
		ArgsUsage: "<hex>",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return cli.NewExitError("expected a hex-encoded bytecode argument", 1)
			}
			code, err := hex.DecodeString(strings.TrimPrefix(ctx.Args()[0], "0x"))
			if err != nil {
				return cli.NewExitError(fmt.Sprintf("invalid hex: %v", err), 1)
			}
			requestID := uuid.New()
			logger.Info("disassembling", zap.String("request_id", requestID.String()), zap.Int("bytes", len(code)))
			printRawDisassembly(code)
			return nil
		},
	}
}

// runCommand executes a hex-encoded bytecode blob against the trace
// interpreter (pkg/svm/vm) and reports the resulting stack and return data.
// It exists for the same reason disasm does: there is no front end in this
// repository to produce bytecode from source, so poking an already-
// assembled blob by hand is the only way to sanity-check one outside a test.
func runCommand(logger *zap.Logger) cli.Command {
	return cli.Command{
		Name:      "run",
		Usage:     "execute a hex-encoded bytecode blob against the trace interpreter",
		ArgsUsage: "<hex> [calldata-hex]",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return cli.NewExitError("expected a hex-encoded bytecode argument", 1)
			}
			code, err := hex.DecodeString(strings.TrimPrefix(ctx.Args()[0], "0x"))
			if err != nil {
				return cli.NewExitError(fmt.Sprintf("invalid code hex: %v", err), 1)
			}
			var calldata []byte
			if ctx.NArg() > 1 {
				calldata, err = hex.DecodeString(strings.TrimPrefix(ctx.Args()[1], "0x"))
				if err != nil {
					return cli.NewExitError(fmt.Sprintf("invalid calldata hex: %v", err), 1)
				}
			}

			requestID := uuid.New()
			logger.Info("running", zap.String("request_id", requestID.String()), zap.Int("bytes", len(code)))

			start := time.Now()
			interp := vm.New(code, calldata)
			state, err := interp.Run()
			runDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return cli.NewExitError(fmt.Sprintf("run faulted: %v", err), 1)
			}

			logger.Info("finished", zap.String("request_id", requestID.String()), zap.Int("state", int(state)))
			fmt.Printf("state: %d\n", state)
			fmt.Printf("return: 0x%x\n", interp.ReturnData())
			for i, w := range interp.Stack() {
				fmt.Printf("stack[%d]: 0x%x\n", i, w)
			}
			return nil
		},
	}
}

// printRawDisassembly walks already-linked bytes (as opposed to
// Context.StreamAssembly, which walks an unlinked item stream still
// carrying symbolic tag references) and prints one mnemonic per line,
// byte offset first, the way a linker's map output typically opens.
func printRawDisassembly(code []byte) {
	for pc := 0; pc < len(code); {
		op := opcode.Opcode(code[pc])
		if opcode.IsPush(op) {
			n := int(op) - int(opcode.PUSH1) + 1
			if op == opcode.PUSH0 {
				n = 0
			}
			end := pc + 1 + n
			if end > len(code) {
				end = len(code)
			}
			fmt.Printf("%04x: %s 0x%x\n", pc, opcode.Name(op), code[pc+1:end])
			pc = end
			continue
		}
		fmt.Printf("%04x: %s\n", pc, opcode.Name(op))
		pc++
	}
}
