// Package main provides the embedexport CLI.
//
// Commands:
//
//	embedexport [convert]     convert the checkpoint and validate the artifact
//	embedexport check <file>  structurally check an existing artifact
//	embedexport version       show version
//
// Exit status is 0 on success, 1 on a fatal error and 2 when the artifact
// was written but failed the cross-engine comparison.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/fragrancelog/embedexport/internal/config"
	"github.com/fragrancelog/embedexport/internal/convert"
	"github.com/fragrancelog/embedexport/internal/onnx"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitSuspect = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, log.New(os.Stderr, "", log.LstdFlags)))
}

func run(args []string, stdout io.Writer, logger *log.Logger) int {
	cmd := "convert"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "convert":
		_, err := convert.Run(config.Default(), logger)
		switch {
		case errors.Is(err, convert.ErrSuspect):
			logger.Printf("conversion finished with a suspect artifact: %v", err)
			return exitSuspect
		case err != nil:
			logger.Printf("conversion failed: %v", err)
			return exitFatal
		}
		return exitOK
	case "check":
		if len(args) != 2 {
			logger.Print("usage: embedexport check <file.onnx>")
			return exitFatal
		}
		if err := check(args[1], stdout); err != nil {
			logger.Printf("check failed: %v", err)
			return exitFatal
		}
		return exitOK
	case "version":
		fmt.Fprintf(stdout, "embedexport %s\n", convert.Version)
		return exitOK
	default:
		logger.Printf("unknown command %q (want convert, check or version)", cmd)
		return exitFatal
	}
}

func check(path string, stdout io.Writer) error {
	proto, err := onnx.ParseFile(path)
	if err != nil {
		return err
	}
	if err := onnx.Check(proto); err != nil {
		return fmt.Errorf("structural check: %w", err)
	}
	model, err := onnx.LoadFromProto(proto, onnx.DefaultLoadOptions())
	if err != nil {
		return fmt.Errorf("load runtime: %w", err)
	}

	info := onnx.Info(proto)
	fmt.Fprintf(stdout, "%s: ok\n", path)
	fmt.Fprintf(stdout, "producer: %s %s\n", info.ProducerName, info.ProducerVersion)
	fmt.Fprintf(stdout, "opset: %d  ir: %d\n", info.OpsetVersion, info.IRVersion)
	fmt.Fprintf(stdout, "inputs: %v  outputs: %v\n", info.InputNames, info.OutputNames)
	fmt.Fprintf(stdout, "nodes: %d  weights: %d\n", info.NodeCount, info.WeightCount)

	meta := model.Metadata()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s = %s\n", k, meta[k])
	}

	ops := make([]string, 0, len(info.OpCounts))
	for op := range info.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(stdout, "  %-20s %d\n", op, info.OpCounts[op])
	}
	return nil
}
