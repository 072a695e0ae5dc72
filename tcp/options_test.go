package tcp

import (
	"encoding/binary"
	"testing"
	"time"
)

func synOpts(t *testing.T, mss uint16, wscale uint8, sackPermitted bool, tsval, tsecr uint32) []byte {
	t.Helper()
	var codec OptionCodec
	buf := make([]byte, 40)
	n := 0
	m, err := codec.PutOption16(buf[n:], OptMaxSegmentSize, mss)
	if err != nil {
		t.Fatal(err)
	}
	n += m
	if wscale != 0 {
		m, err = codec.PutOption(buf[n:], OptWindowScale, wscale)
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}
	if sackPermitted {
		m, err = codec.PutOption(buf[n:], OptSACKPermitted)
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}
	if tsval != 0 || tsecr != 0 {
		var ts [8]byte
		binary.BigEndian.PutUint32(ts[0:4], tsval)
		binary.BigEndian.PutUint32(ts[4:8], tsecr)
		m, err = codec.PutOption(buf[n:], OptTimestamps, ts[:]...)
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}
	return buf[:n]
}

// decodedOpts is the result of walking an encoded option buffer.
type decodedOpts struct {
	mss           uint16
	hasMSS        bool
	wscale        uint8
	hasWS         bool
	sackPermitted bool
	tsval, tsecr  uint32
	hasTS         bool
}

func decodeOpts(t *testing.T, opts []byte) (d decodedOpts) {
	t.Helper()
	var codec OptionCodec
	err := codec.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			d.hasMSS = true
			d.mss = binary.BigEndian.Uint16(data)
		case OptWindowScale:
			d.hasWS = true
			d.wscale = data[0]
		case OptSACKPermitted:
			d.sackPermitted = true
		case OptTimestamps:
			d.hasTS = true
			d.tsval = binary.BigEndian.Uint32(data[0:4])
			d.tsecr = binary.BigEndian.Uint32(data[4:8])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("decode options: %v", err)
	}
	return d
}

func TestParseSYNOptionsNegotiation(t *testing.T) {
	var tcb ControlBlock
	tcb.HelperInitState(StateListen, 100, 100, 2048)
	opts := synOpts(t, 1400, 7, true, 1000, 0)
	seg := Segment{SEQ: 300, Flags: FlagSYN, WND: 65535}
	now := time.Unix(1000, 0)
	tcb.ParseSYNOptions(opts, seg, now)

	o := tcb.opts
	if o.sndMSS != 1400 {
		t.Errorf("sndMSS = %d, want 1400", o.sndMSS)
	}
	if !o.wscaleOK || o.sndScale != 7 {
		t.Errorf("wscale = %v/%d, want true/7", o.wscaleOK, o.sndScale)
	}
	if !o.sackPermitted {
		t.Error("SACK-permitted not recorded")
	}
	if !o.tsOK || o.tsRecent != 1000 {
		t.Errorf("timestamps = %v/%d, want true/1000", o.tsOK, o.tsRecent)
	}
	if !o.tsRecentUpdate.Equal(now) {
		t.Errorf("tsRecentUpdate = %v, want packet time %v", o.tsRecentUpdate, now)
	}
}

func TestParseSYNOptionsCapsValues(t *testing.T) {
	var tcb ControlBlock
	opts := synOpts(t, 9000, 17, false, 0, 0)
	tcb.ParseSYNOptions(opts, Segment{Flags: FlagSYN}, time.Unix(0, 1))
	if tcb.opts.sndMSS != 1460 {
		t.Errorf("sndMSS = %d, want capped 1460", tcb.opts.sndMSS)
	}
	if tcb.opts.sndScale != 14 {
		t.Errorf("sndScale = %d, want capped 14", tcb.opts.sndScale)
	}
}

func TestParseSYNOptionsMalformedStopsWithoutDropping(t *testing.T) {
	var tcb ControlBlock
	good := synOpts(t, 1200, 0, false, 0, 0)
	// A window-scale option with a length pointing past the buffer end.
	bad := append(append([]byte{}, good...), byte(OptWindowScale), 30)
	tcb.ParseSYNOptions(bad, Segment{Flags: FlagSYN}, time.Unix(0, 1))
	if tcb.opts.sndMSS != 1200 {
		t.Errorf("options before the malformed one should still apply: sndMSS = %d, want 1200", tcb.opts.sndMSS)
	}
	if tcb.opts.wscaleOK {
		t.Error("malformed window scale must not be applied")
	}
}

// Passive-open negotiation: a peer SYN
// offering MSS 1400, WS 7, TS(val=1000) and SACK-permitted must produce a
// SYN-ACK carrying our own MSS, the default receive scale, a timestamp
// echoing 1000 and SACK-permitted.
func TestEncodeSYNOptionsPassiveEchoesOffered(t *testing.T) {
	var tcb ControlBlock
	if err := tcb.Open(100, 2048); err != nil {
		t.Fatal(err)
	}
	peerOpts := synOpts(t, 1400, 7, true, 1000, 0)
	tcb.ParseSYNOptions(peerOpts, Segment{SEQ: 300, Flags: FlagSYN, WND: 65535}, time.Unix(1000, 0))
	if err := tcb.Recv(Segment{SEQ: 300, Flags: FlagSYN, WND: 65535}); err != nil {
		t.Fatal(err)
	}

	tcb.SetTSOffset(0xdeadbeef)
	now := time.Unix(2000, 0)
	dst := make([]byte, 40)
	n, err := tcb.EncodeSYNOptions(dst, 1460, now)
	if err != nil {
		t.Fatal(err)
	}
	if n%4 != 0 {
		t.Fatalf("option length %d not 32-bit aligned", n)
	}
	d := decodeOpts(t, dst[:n])
	if !d.hasMSS || d.mss != 1460 {
		t.Errorf("MSS = %v/%d, want present/1460", d.hasMSS, d.mss)
	}
	wantScale := defaultRecvWindowScale(tcb.Config().RecvBufferSize)
	if !d.hasWS || d.wscale != wantScale {
		t.Errorf("WS = %v/%d, want present/%d", d.hasWS, d.wscale, wantScale)
	}
	if !d.sackPermitted {
		t.Error("SYN-ACK should carry SACK-permitted back")
	}
	if !d.hasTS || d.tsecr != 1000 {
		t.Errorf("TS = %v TSecr=%d, want present with echo of 1000", d.hasTS, d.tsecr)
	}
	wantTSval := uint32(0xdeadbeef) + tsClock(now)
	if d.tsval != wantTSval {
		t.Errorf("TSval = %d, want offset+clock = %d", d.tsval, wantTSval)
	}
	if tcb.opts.tsLastAckSent != tcb.rcv.NXT {
		t.Errorf("tsLastAckSent = %d, want RCV.NXT = %d", tcb.opts.tsLastAckSent, tcb.rcv.NXT)
	}
	if tcb.opts.sndMSS != 1400 {
		t.Errorf("negotiated sndMSS = %d, want 1400", tcb.opts.sndMSS)
	}
	if tcb.opts.sndScale != 7 {
		t.Errorf("negotiated sndScale = %d, want 7", tcb.opts.sndScale)
	}
}

func TestEncodeSYNOptionsPassiveOmitsUnoffered(t *testing.T) {
	var tcb ControlBlock
	if err := tcb.Open(100, 2048); err != nil {
		t.Fatal(err)
	}
	// Peer offered nothing but MSS: our SYN-ACK must not volunteer options.
	tcb.ParseSYNOptions(synOpts(t, 1300, 0, false, 0, 0), Segment{SEQ: 7, Flags: FlagSYN, WND: 100}, time.Unix(0, 1))
	dst := make([]byte, 40)
	n, err := tcb.EncodeSYNOptions(dst, 1460, time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	d := decodeOpts(t, dst[:n])
	if !d.hasMSS {
		t.Error("MSS is always included")
	}
	if d.hasWS || d.sackPermitted || d.hasTS {
		t.Errorf("passive SYN-ACK volunteered unoffered options: %+v", d)
	}
	if n != 4 {
		t.Errorf("lone MSS should encode to 4 bytes, got %d", n)
	}
}

func TestEncodeSYNOptionsActiveOffersAll(t *testing.T) {
	var tcb ControlBlock
	dst := make([]byte, 40)
	n, err := tcb.EncodeSYNOptions(dst, 1460, time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	d := decodeOpts(t, dst[:n])
	if !d.hasMSS || !d.hasWS || !d.sackPermitted || !d.hasTS {
		t.Errorf("active SYN must offer MSS, WS, SACK-permitted and TS: %+v", d)
	}
	if d.tsecr != 0 {
		t.Errorf("active SYN TSecr = %d, want 0 (no peer timestamp yet)", d.tsecr)
	}
	if tcb.opts.tsOffset == 0 {
		t.Error("timestamp offset should be sampled on first use")
	}
}

// Round-trip property: encoded SYN options decode to the values that went
// in, modulo the MSS ceiling and the wscale cap at 14.
func TestSYNOptionsRoundTrip(t *testing.T) {
	cases := []struct {
		mss, wantMSS       uint16
		wscale, wantWscale uint8
	}{
		{mss: 536, wantMSS: 536, wscale: 0, wantWscale: 0},
		{mss: 1460, wantMSS: 1460, wscale: 5, wantWscale: 5},
		{mss: 9000, wantMSS: 1460, wscale: 14, wantWscale: 14},
		{mss: 2000, wantMSS: 1460, wscale: 20, wantWscale: 14},
	}
	for _, tc := range cases {
		var tcb ControlBlock
		opts := synOpts(t, tc.mss, tc.wscale, true, 42, 0)
		tcb.ParseSYNOptions(opts, Segment{Flags: FlagSYN}, time.Unix(0, 1))
		if tcb.opts.sndMSS != tc.wantMSS {
			t.Errorf("mss %d: got %d want %d", tc.mss, tcb.opts.sndMSS, tc.wantMSS)
		}
		if tc.wscale != 0 && tcb.opts.sndScale != tc.wantWscale {
			t.Errorf("wscale %d: got %d want %d", tc.wscale, tcb.opts.sndScale, tc.wantWscale)
		}
	}
}

func newPAWSTCB(tsRecent uint32, lastUpdate time.Time) *ControlBlock {
	tcb := new(ControlBlock)
	tcb.HelperInitState(StateEstablished, 100, 200, 2048)
	tcb.HelperInitRcv(300, 400, 4096)
	tcb.opts.tsOK = true
	tcb.opts.tsRecent = tsRecent
	tcb.opts.tsRecentUpdate = lastUpdate
	return tcb
}

// A TSval one behind TS.Recent on a live connection must be dropped with
// an ACK queued.
func TestPAWSDropEmitsACK(t *testing.T) {
	now := time.Unix(5000, 0)
	tcb := newPAWSTCB(1_000_000, now.Add(-10*time.Second))
	opts := synOpts(t, 0, 0, false, 999_999, 55)
	seg := Segment{SEQ: 400, ACK: 150, Flags: FlagACK, WND: 2048}
	_, err := tcb.ParseACKOptions(opts, seg, now)
	if !IsDroppedErr(err) {
		t.Fatalf("ParseACKOptions = %v, want drop-segment", err)
	}
	pending, ok := tcb.PendingSegment(0)
	if !ok || !pending.Flags.HasAll(FlagACK) {
		t.Fatalf("expected a bare ACK pending after PAWS drop, got ok=%v seg=%+v", ok, pending)
	}
	if tcb.opts.tsRecent != 1_000_000 {
		t.Errorf("tsRecent modified by rejected timestamp: %d", tcb.opts.tsRecent)
	}
}

func TestPAWSAdoptsAfterLongIdle(t *testing.T) {
	now := time.Unix(5000, 0)
	tcb := newPAWSTCB(1_000_000, now.Add(-25*24*time.Hour))
	opts := synOpts(t, 0, 0, false, 999_999, 0)
	seg := Segment{SEQ: 400, ACK: 150, Flags: FlagACK, WND: 2048}
	_, err := tcb.ParseACKOptions(opts, seg, now)
	if err != nil {
		t.Fatalf("idle past 24 days must adopt the new timestamp, got %v", err)
	}
	if tcb.opts.tsRecent != 999_999 {
		t.Errorf("tsRecent = %d, want adopted 999999", tcb.opts.tsRecent)
	}
}

func TestPAWSRSTExempt(t *testing.T) {
	now := time.Unix(5000, 0)
	tcb := newPAWSTCB(1_000_000, now.Add(-time.Second))
	opts := synOpts(t, 0, 0, false, 999_999, 0)
	seg := Segment{SEQ: 400, Flags: FlagRST, WND: 2048}
	if _, err := tcb.ParseACKOptions(opts, seg, now); err != nil {
		t.Fatalf("RST segments are exempt from PAWS, got %v", err)
	}
}

// Timestamp wrap: a TSval numerically below TS.Recent but ahead of it
// modulo 2^32 is newer, not older.
func TestPAWSTimestampWrap(t *testing.T) {
	now := time.Unix(5000, 0)
	tcb := newPAWSTCB(^uint32(0)-5, now.Add(-time.Second))
	tcb.opts.tsLastAckSent = 400 // SEG.SEQ <= last ACK sent: eligible to adopt.
	opts := synOpts(t, 0, 0, false, 3, 0)
	seg := Segment{SEQ: 400, ACK: 150, Flags: FlagACK, WND: 2048}
	if _, err := tcb.ParseACKOptions(opts, seg, now); err != nil {
		t.Fatalf("wrapped-forward timestamp treated as old: %v", err)
	}
	if tcb.opts.tsRecent != 3 {
		t.Errorf("tsRecent = %d, want wrapped value 3 adopted", tcb.opts.tsRecent)
	}
}

func TestParseACKOptionsSACKBlocks(t *testing.T) {
	tcb := newPAWSTCB(0, time.Time{})
	tcb.opts.sackPermitted = true
	var codec OptionCodec
	var blocks [16]byte
	binary.BigEndian.PutUint32(blocks[0:4], 500)
	binary.BigEndian.PutUint32(blocks[4:8], 700)
	binary.BigEndian.PutUint32(blocks[8:12], 900)
	binary.BigEndian.PutUint32(blocks[12:16], 1000)
	buf := make([]byte, 20)
	n, err := codec.PutOption(buf, OptSACK, blocks[:]...)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tcb.ParseACKOptions(buf[:n], Segment{SEQ: 400, ACK: 150, Flags: FlagACK, WND: 2048}, time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	want := []SACKBlock{{Left: 500, Right: 700}, {Left: 900, Right: 1000}}
	got := res.Blocks()
	if len(got) != len(want) {
		t.Fatalf("NumSACK = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("block[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRTTSampleFromTimestampEcho(t *testing.T) {
	var tcb ControlBlock
	tcb.HelperInitState(StateSynSent, 100, 101, 2048)
	tcb.opts.tsOffset = 7777
	sent := time.Unix(3000, 0)
	now := sent.Add(50 * time.Millisecond)
	echo := tcb.opts.tsOffset + tsClock(sent)
	opts := synOpts(t, 1460, 0, false, 12345, echo)
	rtt := tcb.ParseSYNOptions(opts, Segment{SEQ: 300, ACK: 101, Flags: synack, WND: 65535}, now)
	if rtt != 50*time.Millisecond {
		t.Errorf("RTT = %v, want 50ms", rtt)
	}
	// A same-tick echo still counts as a minimal one-tick sample.
	var tcb2 ControlBlock
	tcb2.opts.tsOffset = 7777
	echo2 := tcb2.opts.tsOffset + tsClock(now)
	rtt2 := tcb2.ParseSYNOptions(synOpts(t, 1460, 0, false, 1, echo2), Segment{Flags: synack}, now)
	if rtt2 != time.Millisecond {
		t.Errorf("same-tick RTT = %v, want clamped 1ms", rtt2)
	}
}

func TestDefaultRecvWindowScale(t *testing.T) {
	cases := []struct {
		rmem int
		want uint8
	}{
		{rmem: 1 << 20, want: 5},
		{rmem: 128 << 10, want: 2},
		{rmem: 8 << 20, want: 8},
		{rmem: 1 << 15, want: 0},
		{rmem: 1, want: 0},
	}
	for _, tc := range cases {
		if got := defaultRecvWindowScale(tc.rmem); got != tc.want {
			t.Errorf("defaultRecvWindowScale(%d) = %d, want %d", tc.rmem, got, tc.want)
		}
	}
}
