package info

import (
	"strconv"
	"strings"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Peer is one entry in a peers-* reply: a node name, its TLS name (empty if
// none), and the addresses it can be reached at.
type Peer struct {
	NodeName string
	TLSName  string
	Hosts    []string
}

// PeersReply is the decoded [gen,defaultPort,[[nodeName,tlsName,[host,...]],...]]
// payload described in spec §6.
type PeersReply struct {
	Generation  uint64
	DefaultPort int
	Peers       []Peer
}

// ParsePeers parses a peers-* value. The format is a bracketed,
// comma-separated list (not JSON: no quoting), so this is a small
// hand-rolled recursive scanner rather than encoding/json.
func ParsePeers(value string) (PeersReply, error) {
	s := &scanner{s: value}
	s.skipSpace()
	if !s.consume('[') {
		return PeersReply{}, kverrors.New(kverrors.ProtocolParse, "peers reply must start with '['")
	}

	gen, err := s.readUntil(',')
	if err != nil {
		return PeersReply{}, err
	}
	genVal, err := strconv.ParseUint(gen, 10, 64)
	if err != nil {
		return PeersReply{}, kverrors.Wrap(kverrors.ProtocolParse, "parse peers generation", err)
	}
	if !s.consume(',') {
		return PeersReply{}, kverrors.New(kverrors.ProtocolParse, "expected ',' after generation")
	}

	portStr, err := s.readUntilAny(",")
	if err != nil {
		return PeersReply{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeersReply{}, kverrors.Wrap(kverrors.ProtocolParse, "parse default port", err)
	}
	if !s.consume(',') {
		return PeersReply{}, kverrors.New(kverrors.ProtocolParse, "expected ',' after default port")
	}

	s.skipSpace()
	if !s.consume('[') {
		return PeersReply{}, kverrors.New(kverrors.ProtocolParse, "expected peer list '['")
	}

	var peers []Peer
	for {
		s.skipSpace()
		if s.peek() == ']' {
			s.pos++
			break
		}
		if s.peek() == ',' {
			s.pos++
			continue
		}
		p, err := s.readPeer()
		if err != nil {
			return PeersReply{}, err
		}
		peers = append(peers, p)
	}

	s.skipSpace()
	s.consume(']') // closing bracket of the outer list; tolerate absence

	return PeersReply{Generation: genVal, DefaultPort: port, Peers: peers}, nil
}

type scanner struct {
	s   string
	pos int
}

func (sc *scanner) peek() byte {
	if sc.pos >= len(sc.s) {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *scanner) consume(c byte) bool {
	if sc.peek() == c {
		sc.pos++
		return true
	}
	return false
}

func (sc *scanner) skipSpace() {
	for sc.pos < len(sc.s) && (sc.s[sc.pos] == ' ' || sc.s[sc.pos] == '\t') {
		sc.pos++
	}
}

func (sc *scanner) readUntil(delim byte) (string, error) {
	return sc.readUntilAny(string(delim))
}

func (sc *scanner) readUntilAny(delims string) (string, error) {
	start := sc.pos
	for sc.pos < len(sc.s) && !strings.ContainsRune(delims, rune(sc.s[sc.pos])) {
		sc.pos++
	}
	if sc.pos >= len(sc.s) {
		return "", kverrors.New(kverrors.ProtocolParse, "unexpected end of peers reply")
	}
	return sc.s[start:sc.pos], nil
}

func (sc *scanner) readPeer() (Peer, error) {
	if !sc.consume('[') {
		return Peer{}, kverrors.New(kverrors.ProtocolParse, "expected peer entry '['")
	}
	name, err := sc.readUntilAny(",")
	if err != nil {
		return Peer{}, err
	}
	sc.consume(',')
	tlsName, err := sc.readUntilAny(",")
	if err != nil {
		return Peer{}, err
	}
	sc.consume(',')

	if !sc.consume('[') {
		return Peer{}, kverrors.New(kverrors.ProtocolParse, "expected host list '['")
	}
	var hosts []string
	for {
		if sc.peek() == ']' {
			sc.pos++
			break
		}
		if sc.peek() == ',' {
			sc.pos++
			continue
		}
		host, err := sc.readHost()
		if err != nil {
			return Peer{}, err
		}
		hosts = append(hosts, host)
	}
	if !sc.consume(']') {
		return Peer{}, kverrors.New(kverrors.ProtocolParse, "expected peer entry closing ']'")
	}
	return Peer{NodeName: name, TLSName: tlsName, Hosts: hosts}, nil
}

// readHost reads one "name[:port]" or "[ipv6]:port" host token, stopping at
// the next ',' or ']' that is not inside an IPv6 bracket pair.
func (sc *scanner) readHost() (string, error) {
	start := sc.pos
	if sc.peek() == '[' {
		// IPv6 literal: consume through its matching ']' before
		// resuming the normal comma/bracket scan for ":port".
		sc.pos++
		for sc.pos < len(sc.s) && sc.s[sc.pos] != ']' {
			sc.pos++
		}
		if sc.pos >= len(sc.s) {
			return "", kverrors.New(kverrors.ProtocolParse, "unterminated ipv6 host literal")
		}
		sc.pos++ // consume ']'
	}
	for sc.pos < len(sc.s) && sc.s[sc.pos] != ',' && sc.s[sc.pos] != ']' {
		sc.pos++
	}
	if sc.pos >= len(sc.s) {
		return "", kverrors.New(kverrors.ProtocolParse, "unterminated host token")
	}
	return sc.s[start:sc.pos], nil
}
