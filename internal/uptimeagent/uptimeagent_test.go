package uptimeagent

import (
	"log/slog"
	"testing"
	"time"
)

func buildGetRequest(community string, reqID int64, oids ...string) []byte {
	var vbl []byte
	for _, oid := range oids {
		vb := append(encodeTLV(tagOID, encodeOID(oid)), encodeTLV(tagNull, nil)...)
		vbl = append(vbl, encodeTLV(tagSequence, vb)...)
	}

	pdu := encodeTLV(tagInteger, encodeIntBytes(reqID))
	pdu = append(pdu, encodeTLV(tagInteger, encodeIntBytes(0))...)
	pdu = append(pdu, encodeTLV(tagInteger, encodeIntBytes(0))...)
	pdu = append(pdu, encodeTLV(tagSequence, vbl)...)

	msg := encodeTLV(tagInteger, encodeIntBytes(1)) // SNMPv2c
	msg = append(msg, encodeTLV(tagOctetString, []byte(community))...)
	msg = append(msg, encodeTLV(tagGetRequest, pdu)...)

	return encodeTLV(tagSequence, msg)
}

// parseGetResponse decodes just enough of a GetResponse to assert on in
// tests: request id, error-status/index, and each varbind's oid/tag.
type respVarbind struct {
	oid string
	tag byte
	val []byte
}

func parseGetResponse(t *testing.T, raw []byte) (reqID, errStatus, errIndex int64, vbs []respVarbind) {
	t.Helper()

	msg, _, err := readTLV(raw)
	if err != nil || msg.tag != tagSequence {
		t.Fatalf("readTLV(outer) error=%v tag=%#x", err, msg.tag)
	}
	rest := msg.value

	_, rest, err = readInt(rest)
	if err != nil {
		t.Fatalf("readInt(version): %v", err)
	}
	_, rest, err = readOctetString(rest)
	if err != nil {
		t.Fatalf("readOctetString(community): %v", err)
	}
	pdu, _, err := readTLV(rest)
	if err != nil || pdu.tag != tagGetResponse {
		t.Fatalf("readTLV(pdu) error=%v tag=%#x, want GetResponse", err, pdu.tag)
	}

	body := pdu.value
	reqID, body, err = readInt(body)
	if err != nil {
		t.Fatalf("readInt(reqID): %v", err)
	}
	errStatus, body, err = readInt(body)
	if err != nil {
		t.Fatalf("readInt(errStatus): %v", err)
	}
	errIndex, body, err = readInt(body)
	if err != nil {
		t.Fatalf("readInt(errIndex): %v", err)
	}

	vbl, _, err := readTLV(body)
	if err != nil || vbl.tag != tagSequence {
		t.Fatalf("readTLV(varbindlist) error=%v tag=%#x", err, vbl.tag)
	}

	remain := vbl.value
	for len(remain) > 0 {
		vb, next, err := readTLV(remain)
		if err != nil || vb.tag != tagSequence {
			t.Fatalf("readTLV(varbind) error=%v tag=%#x", err, vb.tag)
		}
		remain = next

		oidTLV, valBytes, err := readTLV(vb.value)
		if err != nil || oidTLV.tag != tagOID {
			t.Fatalf("readTLV(oid) error=%v tag=%#x", err, oidTLV.tag)
		}
		val, _, err := readTLV(valBytes)
		if err != nil {
			t.Fatalf("readTLV(value): %v", err)
		}
		vbs = append(vbs, respVarbind{oid: decodeOID(oidTLV.value), tag: val.tag, val: val.value})
	}

	return reqID, errStatus, errIndex, vbs
}

func TestHandleGetRequestSysUpTimeAndSysDescr(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	a := New(Config{SysDescr: "Zino test agent"}, start, slog.Default())
	a.now = func() time.Time { return start.Add(12_340 * time.Millisecond) }

	req := buildGetRequest("public", 7, oidSysDescr, oidSysUpTime)
	resp, ok := a.handle(req)
	if !ok {
		t.Fatal("handle() ok = false, want true")
	}

	reqID, errStatus, errIndex, vbs := parseGetResponse(t, resp)
	if reqID != 7 {
		t.Errorf("reqID = %d, want 7", reqID)
	}
	if errStatus != 0 || errIndex != 0 {
		t.Errorf("errStatus/errIndex = %d/%d, want 0/0", errStatus, errIndex)
	}
	if len(vbs) != 2 {
		t.Fatalf("varbinds = %d, want 2", len(vbs))
	}
	if vbs[0].oid != oidSysDescr || string(vbs[0].val) != "Zino test agent" {
		t.Errorf("vbs[0] = %+v, want sysDescr=%q", vbs[0], "Zino test agent")
	}
	if vbs[1].oid != oidSysUpTime || vbs[1].tag != tagTimeTicks {
		t.Errorf("vbs[1] = %+v, want sysUpTime TimeTicks", vbs[1])
	}
	if ticks := decodeIntBytes(vbs[1].val); ticks != 1234 {
		t.Errorf("sysUpTime ticks = %d, want 1234", ticks)
	}
}

func TestHandleGetRequestUnknownOIDReturnsNoSuchName(t *testing.T) {
	t.Parallel()

	a := New(Config{}, time.Now(), nil)
	req := buildGetRequest("public", 1, "1.3.6.1.2.1.99.0")
	resp, ok := a.handle(req)
	if !ok {
		t.Fatal("handle() ok = false, want true")
	}

	_, errStatus, errIndex, vbs := parseGetResponse(t, resp)
	if errStatus != errNoSuchName || errIndex != 1 {
		t.Errorf("errStatus/errIndex = %d/%d, want %d/1", errStatus, errIndex, errNoSuchName)
	}
	if len(vbs) != 1 || vbs[0].tag != tagNull {
		t.Errorf("vbs = %+v, want one NULL varbind", vbs)
	}
}

func TestHandleRejectsMalformedPacket(t *testing.T) {
	t.Parallel()

	a := New(Config{}, time.Now(), nil)
	if _, ok := a.handle([]byte{0x01, 0x02}); ok {
		t.Error("handle() of malformed packet ok = true, want false")
	}
}

func TestOIDEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, oid := range []string{oidSysDescr, oidSysUpTime, "1.3.6.1.2.1.1.1.0"} {
		got := decodeOID(encodeOID(oid))
		if got != oid {
			t.Errorf("decodeOID(encodeOID(%q)) = %q", oid, got)
		}
	}
}

func TestIntEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int64{0, 1, 127, 128, 255, 256, 1234, -1, -128, -129} {
		got := decodeIntBytes(encodeIntBytes(n))
		if got != n {
			t.Errorf("decodeIntBytes(encodeIntBytes(%d)) = %d", n, got)
		}
	}
}
