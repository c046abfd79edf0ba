// Package sdruntime runs the diffusion model behind a small backend boundary.
//
// The package is organised around one shared weights handle:
//
//   - Weights: reference-counted handle over a loaded Backend. Adapter
//     attachment mutates it in place.
//   - Synthesis and ConditionedSynthesis: stateless mode handlers that each
//     retain the same Weights.
//   - Engine: picks the mode, prepares the conditioning tensor, seeds one
//     Generator for the whole batch and checks the result count.
//   - Slot: single-slot job queue that serialises access to Weights across
//     concurrent callers.
//
// # Backends
//
// Two Backend implementations exist:
//
//   - ReferenceBackend renders deterministic procedural images on the CPU.
//     It needs no accelerator and is the default (SD_BACKEND=reference).
//   - WorkerBackend forwards every call to the accelerator sidecar through
//     the worker package (SD_BACKEND=worker).
//
// # Quick Start
//
//	weights, err := sdruntime.LoadWeights(ctx, sdruntime.NewReferenceBackend(), "FLUX.1-schnell")
//	if err != nil {
//	    return err
//	}
//	engine, err := sdruntime.NewEngine(weights, sdruntime.DefaultMaxSequenceLength)
//	weights.Release() // the engine holds its own references
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	seed := int64(42)
//	result, err := engine.Generate(ctx, sdruntime.Request{
//	    Prompt:    "a red cube",
//	    Geometry:  geometry.Geometry{Width: 1024, Height: 1024},
//	    Steps:     4,
//	    Guidance:  5,
//	    Seed:      &seed,
//	    BatchSize: 1,
//	})
//
// # Error Handling
//
// Backend failures are wrapped with core.ErrGenerationFailed and invalid
// parameters with core.ErrInvalidParameter, so callers match them with
// errors.Is against the core taxonomy.
package sdruntime
