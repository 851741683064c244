// Package dataguard guards Go agent tool functions with dataguard policy.
// Every call is evaluated before it runs: allowed calls run unchanged,
// rewrites run with the rewritten name and arguments, denials and calls
// held for human approval never reach the tool. Outcomes are reported back
// after execution.
//
// Usage:
//
//	dg, err := dataguard.New(dataguard.WithServer("policy.internal:9743", apiKey),
//	    dataguard.WithAgent("billing-bot"))
//	wrapped := dg.Wrap(myTool)
//	result, err := wrapped(ctx, dataguard.Call{
//	    Tool: "bash",
//	    Args: map[string]any{"command": "ls -la"},
//	})
//
// Without WithServer the client evaluates in process against a local
// policy file or the built-in policy.
package dataguard
