// Package agent runs a single tool-calling model agent.
//
// A Session binds one ChatClient, a system prompt and a fixed set of tools.
// Each run starts from an empty transcript and alternates model requests
// with tool calls until the model answers without calling a tool.
//
// Usage:
//
//	cfg := agent.ResolveModelConfig(creds, defaults, agent.Overrides{})
//	client, _ := agent.BuildClient(cfg)
//	session, _ := agent.NewSession(client, agent.WithTools(executor))
//	defer session.Close()
//
//	for node, err := range session.Iter(ctx, "куда сходить в субботу?") {
//		...
//	}
package agent
