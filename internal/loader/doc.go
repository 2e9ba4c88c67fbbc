// Package loader reads the legacy PyTorch checkpoint of the embedding
// network and reconciles its parameter names with a built model.
//
// The checkpoint is a torch.save zip archive whose pickle references, next
// to the weights, a scikit-learn PCA object and the numpy helpers needed to
// rebuild its state. Neither is needed for inference. A Shim resolves those
// classes to inert stand-ins while the archive is unpickled so the weights
// can be read without a Python runtime.
//
// Example:
//
//	ckpt, err := loader.LoadCheckpoint("Resnet-101-AP-GeM.pt", loader.DefaultShim(), "state_dict")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := loader.Reconcile(net, ckpt, loader.NewGeMMapper())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("missing=%d unexpected=%d", len(res.Missing), len(res.Unexpected))
//
// Design principles:
//   - Pure Go: No Python, no CGO
//   - Fail closed: an unknown pickled class aborts the load
//   - Tolerant reconciliation: missing and unexpected names are reported, not fatal
package loader
