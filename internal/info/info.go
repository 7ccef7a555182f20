// Package info implements the text-based info protocol used for cluster
// metadata: node name, generation counters, peers, replicas, rack ids, and
// cluster-name validation, per spec §4.4/§6.
package info

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// conn is the minimal surface info requests need from a netconn.Connection,
// kept narrow so this package doesn't import netconn just for a type.
type conn interface {
	WriteAll(p []byte) error
	Reader() io.Reader
}

// Well-known info keys the tend loop and node layer request.
const (
	KeyNode               = "node"
	KeyPartitionGeneration = "partition-generation"
	KeyPeersGeneration    = "peers-generation"
	KeyRebalanceGeneration = "rebalance-generation"
	KeyReplicas           = "replicas"
	KeyRackIDs            = "rack-ids"
	KeyClusterName        = "cluster-name"
)

// PeersKey builds the peers-{clear|tls}-{std|alt} key family.
func PeersKey(tls bool, alt bool) string {
	enc := "clear"
	if tls {
		enc = "tls"
	}
	addr := "std"
	if alt {
		addr = "alt"
	}
	return "peers-" + enc + "-" + addr
}

// BuildRequest concatenates keys into the request body: "key1\nkey2\n...".
func BuildRequest(keys ...string) []byte {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ParseReply parses "key\tvalue\n" lines into a map. A malformed line is
// fatal to the caller's current tend iteration for that node, per spec
// §4.4, so ParseReply returns an error rather than skipping the line.
func ParseReply(body []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '\t')
		if idx < 0 {
			return nil, kverrors.Wrap(kverrors.ProtocolParse, "info line missing tab separator", kverrors.ErrShortFrame)
		}
		out[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, kverrors.Wrap(kverrors.ProtocolParse, "scan info reply", err)
	}
	return out, nil
}

// RequireKey fetches key from reply or returns ErrMissingInfoKey.
func RequireKey(reply map[string]string, key string) (string, error) {
	v, ok := reply[key]
	if !ok {
		return "", kverrors.Wrap(kverrors.ProtocolParse, "missing info key "+key, kverrors.ErrMissingInfoKey)
	}
	return v, nil
}

// ParseUint64 parses a generation/counter value, wrapping any failure as a
// ProtocolParse error tagged with the offending key.
func ParseUint64(reply map[string]string, key string) (uint64, error) {
	raw, err := RequireKey(reply, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, kverrors.Wrap(kverrors.ProtocolParse, "parse "+key, err)
	}
	return v, nil
}

// Request sends an info request for keys over c's framed socket and
// returns the parsed key/value reply, per spec §4.4/§6.
func Request(c conn, keys ...string) (map[string]string, error) {
	body := BuildRequest(keys...)
	var hdr [codec.FrameHeaderSize]byte
	codec.PutFrameHeader(hdr[:], codec.FrameHeader{Version: 2, Type: codec.ProtoInfo, Length: uint64(len(body))})
	if err := c.WriteAll(append(hdr[:], body...)); err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "send info request", err)
	}

	_, _, payload, err := codec.ReadFrame(c.Reader(), make([]byte, 0, 4096))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "read info reply", err)
	}
	return ParseReply(payload)
}
