package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ISNGenerator derives initial sequence numbers and SYN-options timestamp
// offsets from a per-process secret mixed with the connection four-tuple,
// rather than a bare counter or unkeyed PRNG. Binding the ISN to the tuple
// keeps two connections between the same pair of endpoints from ever
// reusing sequence space that a delayed duplicate segment from an earlier
// incarnation could still land in (RFC 9293 section 3.4.1's "preventing
// old duplicates" requirement).
type ISNGenerator struct {
	secret [32]byte
}

// NewISNGenerator constructs a generator seeded from a fresh random secret.
func NewISNGenerator() (*ISNGenerator, error) {
	g := &ISNGenerator{}
	if _, err := rand.Read(g.secret[:]); err != nil {
		return nil, err
	}
	return g, nil
}

// hash mixes the four-tuple and tag through a keyed BLAKE2b, returning the
// first 8 bytes of digest as two uint32s.
func (g *ISNGenerator) hash(local, remote netip.AddrPort, tag byte) (a, b uint32) {
	h, _ := blake2b.New256(g.secret[:]) // New256 only errors on an oversized key; secret is fixed-size.
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], local.Port())
	binary.BigEndian.PutUint16(portBuf[2:4], remote.Port())
	h.Write(portBuf[:])
	h.Write([]byte{tag})
	laddr := local.Addr().As16()
	raddr := remote.Addr().As16()
	h.Write(laddr[:])
	h.Write(raddr[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[0:4]), binary.BigEndian.Uint32(sum[4:8])
}

// ISN returns the initial send sequence number for a new connection
// identified by (local, remote), incrementing roughly every 4 microseconds
// per the tuple's own hashed phase, RFC 9293 section 3.4.1's recommended
// scheme, so repeated Opens of the same tuple still walk sequence space
// forward.
func (g *ISNGenerator) ISN(local, remote netip.AddrPort, now time.Time) Value {
	phase, _ := g.hash(local, remote, 'i')
	clock := uint32(now.UnixNano() / 4000)
	return Value(phase + clock)
}

// NextForAccept returns an ISN suitable for a passive connection accepted
// on localPort, before the remote endpoint of the eventual peer is known.
// It is the tuple hash with the remote half zeroed, plus the same moving
// clock phase ISN uses, so a busy listener handing out many of these in
// succession still walks sequence space forward instead of repeating.
func (g *ISNGenerator) NextForAccept(localPort uint16, now time.Time) Value {
	local := netip.AddrPortFrom(netip.Addr{}, localPort)
	return g.ISN(local, netip.AddrPort{}, now)
}

// TSOffset returns the per-connection random offset RFC 7323's timestamp
// option is meant to carry, so the wall-clock reading behind the TSval a
// peer observes never leaks this process's actual uptime.
func (g *ISNGenerator) TSOffset(local, remote netip.AddrPort) uint32 {
	_, offset := g.hash(local, remote, 't')
	return offset
}
