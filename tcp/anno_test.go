package tcp

import "testing"

func TestAnnotationFieldRoundTrip(t *testing.T) {
	var a Annotation
	a.SetSockfd(7)
	a.SetTCBHandle(TCBHandle{Index: 3, Generation: 9})
	a.SetRTTMicros(12345)
	a.SetWindow(65535)
	a.SetSeq(Value(100))
	a.SetAckedCount(1460)
	a.SetMSS(1460)
	a.SetOptionLength(12)
	a.AddFlag(AnnoFlagSACK)
	a.AddFlag(AnnoFlagECE)

	if a.Sockfd() != 7 {
		t.Errorf("Sockfd = %d", a.Sockfd())
	}
	if h := a.TCBHandle(); h.Index != 3 || h.Generation != 9 {
		t.Errorf("TCBHandle = %+v", h)
	}
	if a.RTTMicros() != 12345 {
		t.Errorf("RTTMicros = %d", a.RTTMicros())
	}
	if a.Window() != 65535 {
		t.Errorf("Window = %d", a.Window())
	}
	if a.Seq() != 100 {
		t.Errorf("Seq = %d", a.Seq())
	}
	if a.AckedCount() != 1460 {
		t.Errorf("AckedCount = %d", a.AckedCount())
	}
	if a.MSS() != 1460 {
		t.Errorf("MSS = %d", a.MSS())
	}
	if a.OptionLength() != 12 {
		t.Errorf("OptionLength = %d", a.OptionLength())
	}
	if !a.HasFlag(AnnoFlagSACK) || !a.HasFlag(AnnoFlagECE) {
		t.Error("expected SACK and ECE flags set")
	}
	if a.HasFlag(AnnoFlagACKNeeded) {
		t.Error("ACK-needed should not be set")
	}
	a.ClearFlag(AnnoFlagSACK)
	if a.HasFlag(AnnoFlagSACK) {
		t.Error("ClearFlag did not clear SACK")
	}
}

func TestAnnotationResetClearsAllFields(t *testing.T) {
	var a Annotation
	a.SetSockfd(1)
	a.AddFlag(AnnoFlagSockErr)
	a.Reset()
	if a.Sockfd() != 0 || a.Flags() != 0 {
		t.Fatal("Reset did not clear fields")
	}
}

func TestTCBHandleIsZero(t *testing.T) {
	var h TCBHandle
	if !h.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	h.Index = 1
	if h.IsZero() {
		t.Fatal("non-zero handle reported IsZero")
	}
}
