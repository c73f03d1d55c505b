// Package protocol implements the framed wire format spoken between the hub
// and its monitoring agents.
//
// # Frame Layout
//
// Every frame is a fixed 12-byte header followed by a JSON body:
//
//	bytes 0-3    type tag (ASCII, NUL padded)
//	bytes 4-7    body length, uint32 big-endian
//	bytes 8-11   timestamp, uint32 big-endian Unix seconds
//	bytes 12..   body, UTF-8 JSON
//
// Message type names longer than four characters are truncated on the wire,
// so HEART travels as "HEAR" and CONFIG as "CONF". Decode maps the wire tag
// back to the full MessageType.
//
// # Reassembly
//
// A Parser owns the byte accumulator for one connection:
//
//	p := protocol.NewParser()
//	p.Append(chunk)
//	for p.HasCompleteFrame() {
//	    msg, err := p.TakeFrame()
//	    ...
//	}
//
// A body that fails to decode discards everything buffered. Callers treat
// that as fatal for the connection since the stream has no resync marker.
package protocol
