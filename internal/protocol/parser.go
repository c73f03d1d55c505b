// ABOUTME: Per-connection frame reassembler over a growing byte buffer.
// ABOUTME: Handles fragmented and coalesced TCP reads; corrupt bodies flush the buffer.

package protocol

import "encoding/binary"

// Parser accumulates bytes from one connection and yields complete frames in
// arrival order. It is not safe for concurrent use; each connection owns one.
type Parser struct {
	buf []byte
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Append adds a chunk read from the connection.
func (p *Parser) Append(chunk []byte) {
	p.buf = append(p.buf, chunk...)
}

// Buffered returns the number of bytes waiting to be framed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// PeekLength returns the body length declared by the buffered header, if a
// full header is present.
func (p *Parser) PeekLength() (uint32, bool) {
	if len(p.buf) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.buf[4:8]), true
}

// HasCompleteFrame reports whether a header and its entire body are buffered.
func (p *Parser) HasCompleteFrame() bool {
	n, ok := p.PeekLength()
	if !ok {
		return false
	}
	return uint64(len(p.buf)) >= uint64(HeaderSize)+uint64(n)
}

// TakeFrame decodes and removes the next frame. If the body is not valid JSON
// the whole buffer is dropped, because later bytes can no longer be trusted
// to start on a frame boundary.
func (p *Parser) TakeFrame() (*Message, error) {
	if !p.HasCompleteFrame() {
		return nil, ErrIncompleteFrame
	}
	n, _ := p.PeekLength()
	end := HeaderSize + int(n)

	msg, err := Decode(p.buf[:HeaderSize], p.buf[HeaderSize:end])
	if err != nil {
		p.Reset()
		return nil, err
	}

	rest := len(p.buf) - end
	if rest == 0 {
		p.buf = p.buf[:0]
	} else {
		copy(p.buf, p.buf[end:])
		p.buf = p.buf[:rest]
	}
	return msg, nil
}

// Reset discards everything buffered.
func (p *Parser) Reset() {
	p.buf = nil
}
