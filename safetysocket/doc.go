// Package safetysocket provides end-to-end encrypted peer messaging multiplexed
// over a single relay connection.
//
// A Manager holds one authenticated link to a relay and a secret.Store with one
// symmetric secret per peer. Send seals data with the secret in effect for the
// recipient before it reaches the transport; inbound frames are opened with the
// secret in effect for the sender and delivered to "message" listeners. The
// relay and the transport only ever see sealed frames.
//
//	m := safetysocket.NewManager(apiKey, dialer, safetysocket.DefaultOptions())
//	if _, err := m.Connect(ctx); err != nil { ... }
//	token, _ := m.MakeSecret(peerID) // share out of band
//	m.On(safetysocket.EventMessage, func(ev safetysocket.Event) { ... })
//	_ = m.Send(ctx, peerID, "hello")
package safetysocket
