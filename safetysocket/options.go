package safetysocket

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheusHen/safetysocket/safetysocket/protocol"
)

// Options configures a Manager.
type Options struct {
	Logger      zerolog.Logger
	Compression protocol.CompressionLevel // lz4 before sealing; frame length then depends on content
	SendTimeout time.Duration             // bound on one transport write (0 = caller's context only)
	Rand        io.Reader                 // secret source (default: crypto/rand)
	Now         func() time.Time          // entry timestamps (default: time.Now)
}

// DefaultOptions returns the settings used by the CLI.
func DefaultOptions() Options {
	return Options{
		Logger:      zerolog.Nop(),
		Compression: protocol.CompressionOff,
		SendTimeout: 30 * time.Second,
	}
}
