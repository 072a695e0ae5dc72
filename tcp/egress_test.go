package tcp

import (
	"bytes"
	"testing"
)

// makeTCPPacket builds a Packet holding a minimal TCP frame: 20-byte header
// plus payload, sequence and flags set, MSS annotation stamped.
func makeTCPPacket(t *testing.T, seq Value, payload []byte, flags Flags, mss uint16) *Packet {
	t.Helper()
	buf := make([]byte, sizeHeaderTCP+len(payload))
	p := NewPacket(buf, 0, 0)
	view := p.Put(len(buf))
	frm, err := NewFrame(view)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(1111)
	frm.SetDestinationPort(2222)
	frm.SetSegment(Segment{SEQ: seq, ACK: 1, Flags: flags, WND: 1024, DATALEN: Size(len(payload))}, 5)
	copy(view[sizeHeaderTCP:], payload)
	p.Anno.SetMSS(mss)
	p.Anno.SetSeq(seq)
	return p
}

func collectSplit(t *testing.T, s *Segmenter, p *Packet) []*Packet {
	t.Helper()
	var out []*Packet
	n := s.Split(p, func(np *Packet) { out = append(out, np) })
	if n != len(out) {
		t.Fatalf("Split returned %d, emitted %d", n, len(out))
	}
	return out
}

func segOf(t *testing.T, p *Packet) Segment {
	t.Helper()
	frm, err := NewFrame(p.Data())
	if err != nil {
		t.Fatal(err)
	}
	return frm.Segment(len(p.Data()) - frm.HeaderLength())
}

// 4100 payload bytes at MSS 1460 become three segments of 1460, 1460 and
// 1180 bytes at seq, seq+1460, seq+2920.
func TestSegmenterSplitLarge(t *testing.T) {
	payload := make([]byte, 4100)
	for i := range payload {
		payload[i] = byte(i)
	}
	const seq = Value(5000)
	p := makeTCPPacket(t, seq, payload, pshack, 1460)
	var s Segmenter
	out := collectSplit(t, &s, p)
	if len(out) != 3 {
		t.Fatalf("segments = %d, want 3", len(out))
	}
	wantLens := []int{1460, 1460, 1180}
	wantSeqs := []Value{seq, seq + 1460, seq + 2920}
	var reassembled []byte
	for i, np := range out {
		seg := segOf(t, np)
		if int(seg.DATALEN) != wantLens[i] {
			t.Errorf("segment[%d] len = %d, want %d", i, seg.DATALEN, wantLens[i])
		}
		if seg.SEQ != wantSeqs[i] {
			t.Errorf("segment[%d] seq = %d, want %d", i, seg.SEQ, wantSeqs[i])
		}
		more := np.Anno.HasFlag(AnnoFlagMoreSegments)
		if wantMore := i < len(out)-1; more != wantMore {
			t.Errorf("segment[%d] more-segments = %v, want %v", i, more, wantMore)
		}
		reassembled = append(reassembled, np.Data()[sizeHeaderTCP:]...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled payload differs from original")
	}
	if out[2] != p {
		t.Error("last segment must reuse the original packet")
	}
}

func TestSegmenterSYNFirstFINLast(t *testing.T) {
	payload := make([]byte, 250)
	p := makeTCPPacket(t, 10, payload, FlagSYN|FlagFIN|FlagACK, 100)
	var s Segmenter
	out := collectSplit(t, &s, p)
	if len(out) != 3 {
		t.Fatalf("segments = %d, want 3", len(out))
	}
	for i, np := range out {
		seg := segOf(t, np)
		hasSYN := seg.Flags.HasAny(FlagSYN)
		hasFIN := seg.Flags.HasAny(FlagFIN)
		if hasSYN != (i == 0) {
			t.Errorf("segment[%d] SYN = %v", i, hasSYN)
		}
		if hasFIN != (i == len(out)-1) {
			t.Errorf("segment[%d] FIN = %v", i, hasFIN)
		}
		if !seg.Flags.HasAny(FlagACK) {
			t.Errorf("segment[%d] lost ACK flag", i)
		}
	}
}

func TestSegmenterBoundaries(t *testing.T) {
	const mss = 100
	cases := []struct {
		payload int
		want    int
	}{
		{payload: 0, want: 1},
		{payload: mss - 1, want: 1},
		{payload: mss, want: 1},
		{payload: mss + 1, want: 2},
		{payload: 3 * mss, want: 3},
	}
	for _, tc := range cases {
		p := makeTCPPacket(t, 77, make([]byte, tc.payload), FlagACK, mss)
		var s Segmenter
		out := collectSplit(t, &s, p)
		if len(out) != tc.want {
			t.Errorf("payload %d: segments = %d, want %d", tc.payload, len(out), tc.want)
			continue
		}
		total := 0
		for _, np := range out {
			total += int(segOf(t, np).DATALEN)
		}
		if total != tc.payload {
			t.Errorf("payload %d: total segmented bytes = %d", tc.payload, total)
		}
	}
}

func TestSegmenterDefaultMSSFallback(t *testing.T) {
	p := makeTCPPacket(t, 1, make([]byte, 300), FlagACK, 0)
	s := Segmenter{DefaultMSS: 200}
	out := collectSplit(t, &s, p)
	if len(out) != 2 {
		t.Fatalf("segments = %d, want 2 via DefaultMSS", len(out))
	}
}

func TestRtxQueueCleanProperty(t *testing.T) {
	var q RtxQueue
	q.Push(makeTCPPacket(t, 100, make([]byte, 100), FlagACK, 0)) // [100,200)
	q.Push(makeTCPPacket(t, 200, make([]byte, 100), FlagACK, 0)) // [200,300)
	q.Push(makeTCPPacket(t, 300, make([]byte, 50), FlagACK, 0))  // [300,350)
	if q.Len() != 3 || q.Bytes() != 250 {
		t.Fatalf("queue = %d pkts/%d bytes, want 3/250", q.Len(), q.Bytes())
	}
	if !q.Clean(300) {
		t.Fatal("Clean(300) should remove acknowledged packets")
	}
	// Property: every remaining packet ends strictly after the ACK.
	for p := q.Head(); p != nil; p = p.next {
		if _, end := pktSeqSpan(p); end.LessThanEq(300) {
			t.Errorf("packet ending at %d survived Clean(300)", end)
		}
	}
	if q.Len() != 1 || q.Bytes() != 50 {
		t.Fatalf("after Clean: %d pkts/%d bytes, want 1/50", q.Len(), q.Bytes())
	}
	if q.Clean(300) {
		t.Error("second Clean(300) removed something")
	}
}

func TestRtxQueueCleanAcrossWrap(t *testing.T) {
	var q RtxQueue
	start := Value(^uint32(0) - 49) // 50 bytes below the wrap point.
	q.Push(makeTCPPacket(t, start, make([]byte, 100), FlagACK, 0))
	if !q.Clean(start + 100) {
		t.Fatal("Clean across sequence wrap failed")
	}
	if q.Len() != 0 {
		t.Fatal("wrapped packet not removed")
	}
}

func TestRtxQueueOrderingAndHead(t *testing.T) {
	var q RtxQueue
	q.Push(makeTCPPacket(t, 300, make([]byte, 10), FlagACK, 0))
	q.Push(makeTCPPacket(t, 100, make([]byte, 10), FlagACK, 0))
	q.Push(makeTCPPacket(t, 200, make([]byte, 10), FlagACK, 0))
	want := []Value{100, 200, 300}
	i := 0
	for p := q.Head(); p != nil; p = p.next {
		seq, _ := pktSeqSpan(p)
		if seq != want[i] {
			t.Errorf("position %d: seq = %d, want %d", i, seq, want[i])
		}
		i++
	}
	if head := q.PopFront(); head == nil || head.Anno.Seq() != 100 {
		t.Error("head must be the oldest unacknowledged packet")
	}
}

func TestRtxQueueMarkSACK(t *testing.T) {
	var q RtxQueue
	q.Push(makeTCPPacket(t, 100, make([]byte, 100), FlagACK, 0)) // [100,200)
	q.Push(makeTCPPacket(t, 200, make([]byte, 100), FlagACK, 0)) // [200,300)
	q.Push(makeTCPPacket(t, 300, make([]byte, 100), FlagACK, 0)) // [300,400)
	marked := q.MarkSACK([]SACKBlock{{Left: 200, Right: 300}})
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	i := 0
	for p := q.Head(); p != nil; p = p.next {
		want := i == 1
		if got := p.Anno.HasFlag(AnnoFlagSACK); got != want {
			t.Errorf("packet[%d] SACK flag = %v, want %v", i, got, want)
		}
		i++
	}
	// A partially covered packet is not marked.
	if n := q.MarkSACK([]SACKBlock{{Left: 150, Right: 250}}); n != 0 {
		t.Errorf("partial coverage marked %d packets", n)
	}
	// Re-marking an already marked packet does not double count.
	if n := q.MarkSACK([]SACKBlock{{Left: 200, Right: 300}}); n != 0 {
		t.Errorf("re-mark counted %d packets", n)
	}
}
