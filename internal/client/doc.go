// Package client is the runtime an agent process embeds to join the cluster.
//
// # Usage
//
//	rt, err := client.New(client.Config{
//	    Addr:         "coordinator:7101",
//	    AgentID:      "analysis-agent",
//	    Role:         protocol.RoleAnalysis,
//	    Capabilities: []string{"analyze_vitals"},
//	    OnToolCall:   handleCall,
//	})
//	go rt.Run(ctx)
//
// Run connects, registers, and serves until the context is canceled. Inbound
// traffic is dispatched to the OnPublish, OnDirect, and OnToolCall handlers;
// heartbeats tick in the background.
//
// # Reconnection
//
// A lost link is re-established with capped exponential backoff. On every
// reconnection the runtime re-registers, re-issues its subscription book, and
// flushes the bounded offline buffer that absorbed Publish and Direct calls
// while disconnected. A registration conflict is fatal: some other live agent
// owns the id, and retrying would only fight it.
//
// # Invoke
//
// Invoke sends a ToolCall and blocks until the correlated ToolResult arrives,
// the context ends, or the coordinator synthesizes a timeout. Error outcomes
// surface as *InvokeError with the wire error code.
package client
