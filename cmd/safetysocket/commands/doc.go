// Package commands defines the safetysocket CLI.
//
// Commands
//
//   - keygen   Print fresh secret tokens
//   - relay    Run a QUIC relay that routes sealed frames between clients
//   - chat     Connect to a relay and exchange encrypted messages from stdin
//
// The root command builds the logger and resolves --relay and --api-key
// (falling back to SAFETYSOCKET_RELAY and SAFETYSOCKET_API_KEY) before any
// subcommand runs.
package commands
