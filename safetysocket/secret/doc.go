// Package secret owns the symmetric key material SafetySocket seals frames with.
//
// A Store keeps at most one Secret per peer ID plus a single manual override.
// Which key is in effect for a peer is answered by Lookup, and the answer is the
// same for the sending and the receiving path:
//
//	manual secret set   -> SourceManual
//	per-peer entry      -> SourcePerPeer
//	neither             -> SourceNone
//
// Secrets are never rotated implicitly. They change only through Create,
// Import, ImportPeer, SetManual, ClearManual or Forget.
package secret
