// Package agentloop runs a tool-augmented conversation with a language
// model from a terminal.
//
// A Session owns the transcript. Each call to RunTurn appends the user's
// text, streams a model response, runs any requested tools one at a time in
// the order the model emitted them, feeds the results back, and repeats
// until the model answers without calling a tool:
//
//	reg, _ := agentloop.NewCoreToolRegistry(agentloop.CoreToolsConfig{})
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	session := agentloop.NewSession(agentloop.ProfileFor("anthropic", "sonnet"), env, client, reg, nil)
//
//	reducer := agentloop.NewStreamReducer()
//	for ev, err := range session.RunTurn(ctx, "add a test for Parse") {
//		if err != nil {
//			return err
//		}
//		reducer.Apply(ev)
//		render(reducer.Snapshot())
//	}
//
// The event sequence interleaves raw model stream events with
// tool_execution_start and tool_execution_end pairs. StreamReducer folds it
// back into ordered content blocks for display.
//
// Tools never fail the turn: unknown names, invalid arguments, executor
// errors and panics all come back to the model as results starting with
// "Error:". Only transport failures end a turn early, as a *TurnError.
//
// The built-in tools cover file reads and writes, single-occurrence edits
// reported as unified diffs, shell commands with bounded output and a
// process-group kill on timeout, regex content search, glob file search,
// directory listing and a per-session todo list.
package agentloop
