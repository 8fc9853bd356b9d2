// Package sdk provides a framework for serving Go agents to kaizen.
//
// A harness is a JSON-RPC 2.0 server that loads agent code units, builds
// input objects and invokes entry points on behalf of the orchestrator. The
// same [Harness] can be served in-process over a pipe or as a standalone
// worker binary on stdio.
//
// # Registering agents
//
// Go code cannot be loaded from source at runtime, so a module is registered
// as a factory that receives the unit text the orchestrator extracted. The
// factory decides what the text means: a prompt, a rule table, a config
// block. When autofix rewrites the file, the next load sees the new text.
//
//	h := sdk.New(sdk.Info{Name: "support-agent", Version: "1.0.0"})
//
//	h.RegisterModule("agent", func(u sdk.Unit) (*sdk.Module, error) {
//	    return &sdk.Module{
//	        Classes: map[string]*sdk.Class{
//	            "SupportAgent": {
//	                New: func(ctx context.Context, args map[string]any) (any, error) {
//	                    return &SupportAgent{Prompt: u.Source}, nil
//	                },
//	                Methods: map[string]sdk.Method{
//	                    "run": func(ctx context.Context, self any, args []any) (any, error) {
//	                        return self.(*SupportAgent).Run(ctx, args...)
//	                    },
//	                },
//	            },
//	        },
//	    }, nil
//	})
//
//	if err := h.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Inputs
//
// Classes registered with [Harness.RegisterType] can be named in object
// inputs by their class path. Object arguments arrive as the instance the
// constructor returned; class arguments arrive as a [ClassRef].
//
// # Captured variables
//
// Variable targets are read from the instance after the call, through
// [Snapshotter] when implemented and from exported fields otherwise.
// Functions without an instance can publish variables with [SetVariable].
//
// # Logging
//
// Harnesses can send log messages to the orchestrator while serving:
//
//	h.LogInfo(ctx, "loaded prompt", map[string]any{"bytes": len(u.Source)})
package sdk
