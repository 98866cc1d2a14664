// Package toolexecutor exposes remote MCP tools to the agent.
//
// Invariants:
// - Tool names presented to the model are unique; collisions are prefixed with the endpoint name.
// - Arguments are schema-validated before a call reaches the remote server.
// - Tool-reported errors and invalid arguments become error results for the model;
//   transport failures are returned as Go errors.
//
// Usage:
//
//	ep := toolexecutor.BuildEndpoint("yandex_search", url, apiKey)
//	exec := toolexecutor.NewExecutor(toolexecutor.Config{}, toolexecutor.NewMCPToolset(ep, logger))
//	defer exec.Close()
//	specs, _ := exec.Tools(ctx)
//	res, _ := exec.Execute(ctx, toolexecutor.Call{Name: specs[0].Name, Arguments: args})
package toolexecutor
