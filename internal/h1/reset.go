package h1

import (
	"github.com/albertbausili/h1bind/internal/socket"
)

// FreeParser detaches p from everything it was bound to and gives it back to
// pp, closing it when the pool will not take it. msg and sock lose their
// parser reference even when p is nil. Any argument may be nil and calling
// it again for the same parser changes nothing.
func FreeParser(pp *ParserPool, p *Parser, msg *Message, sock *socket.Socket) {
	if p != nil && !p.pooled && !p.closed {
		p.headers = nil
		p.OnIncoming = nil
		p.OnBody = nil
		p.OnMessageComplete = nil
		p.OnExecute = nil

		if p.Consumed() {
			p.Unconsume()
			if p.sock != nil && p.sock.Mode() == socket.ReadModeConsumed {
				p.sock.Unconsume()
			}
		}

		if p.sock != nil && p.sock.Parser() == socket.Parser(p) {
			p.sock.SetParser(nil)
		}
		p.sock = nil

		if p.incoming != nil {
			p.incoming.parser = nil
			p.incoming = nil
		}
		p.outgoing = nil
		p.current = nil

		if pp == nil || !pp.Free(p) {
			p.Close()
			if pp != nil {
				pp.metrics.parserDestroyed()
			}
		}
	}

	if msg != nil {
		msg.parser = nil
	}

	if sock != nil {
		sock.SetParser(nil)
	}
}
