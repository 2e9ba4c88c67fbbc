// Package onnx reads, writes, checks and executes ONNX models.
//
// The wire format is handled with protowire against hand-written message
// structs that cover what a float inference graph needs; there is no
// generated code. Four entry points matter:
//
//   - Marshal / WriteFile: deterministic encoding (same model, same bytes)
//   - Parse / ParseFile: decoding, skipping unknown fields
//   - Check: structural validation with shape propagation
//   - Load: an execution engine running the reference kernels of the
//     operators subpackage, independent of the in-process backend
//
// Example usage:
//
//	proto, err := onnx.ParseFile("resnet101_ap_gem.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := onnx.Check(proto); err != nil {
//	    log.Fatal(err)
//	}
//	model, err := onnx.LoadFromProto(proto, onnx.DefaultLoadOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	embedding, err := model.Forward(input)
package onnx
