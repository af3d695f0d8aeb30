// Package uptimeagent implements the minimal read-only SNMP agent that
// responds to GET on sysUpTime and sysDescr, so legacy clients can detect
// master/standby failover by polling the process itself (spec §6 "Uptime
// SNMP agent").
//
// gosnmp is a client library: it has no exported surface for encoding an
// agent-side GetResponse PDU, only for building and decoding requests.
// Since nothing in the retrieval pack carries an SNMP agent/responder
// library, this narrow BER encode/decode (GET requests only, two scalar
// OIDs, v1/v2c) is hand-rolled against RFC 1157/3416's wire format rather
// than reusing gosnmp's types — see DESIGN.md's "built on the standard
// library" justification for this package.
package uptimeagent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// OIDs this agent answers (spec §6).
const (
	oidSysDescr  = "1.3.6.1.2.1.1.1.0"
	oidSysUpTime = "1.3.6.1.2.1.1.3.0"
)

// BER tags used by the v1/v2c wire format this agent speaks.
const (
	tagInteger     byte = 0x02
	tagOctetString byte = 0x04
	tagNull        byte = 0x05
	tagOID         byte = 0x06
	tagSequence    byte = 0x30
	tagGetRequest  byte = 0xA0
	tagGetNextReq  byte = 0xA1
	tagGetResponse byte = 0xA2
	tagTimeTicks   byte = 0x43
	errNoSuchName       = 2
)

// Config controls the agent's UDP listener.
type Config struct {
	ListenAddr string
	SysDescr   string
}

// Agent answers SNMP GET requests for sysUpTime/sysDescr from a fixed
// start time, never mutating any other subsystem (spec §6).
type Agent struct {
	cfg     Config
	started time.Time
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Agent. start is the process start time used to compute
// sysUpTime in hundredths of a second.
func New(cfg Config, start time.Time, logger *slog.Logger) *Agent {
	if cfg.SysDescr == "" {
		cfg.SysDescr = "Zino network monitor"
	}
	return &Agent{cfg: cfg, started: start, logger: logger, now: time.Now}
}

// Run listens for and answers GET requests until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("uptimeagent listen %s: %w", a.cfg.ListenAddr, err)
	}

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	if a.logger != nil {
		a.logger.Info("uptime agent listening", slog.String("addr", a.cfg.ListenAddr))
	}

	buf := make([]byte, 2048)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("uptimeagent read: %w", err)
		}
		resp, ok := a.handle(buf[:n])
		if !ok {
			continue
		}
		if _, err := pc.WriteTo(resp, addr); err != nil && a.logger != nil {
			a.logger.Warn("uptime agent write failed", slog.Any("error", err))
		}
	}
}

// handle decodes one v1/v2c GET request and builds the matching
// GetResponse, dropping anything malformed or not a GET (spec §6 scope:
// GET only, no SET, no walk).
func (a *Agent) handle(raw []byte) ([]byte, bool) {
	msg, _, err := readTLV(raw)
	if err != nil || msg.tag != tagSequence {
		return nil, false
	}
	rest := msg.value

	version, rest, err := readInt(rest)
	if err != nil {
		return nil, false
	}
	community, rest, err := readOctetString(rest)
	if err != nil {
		return nil, false
	}
	pdu, _, err := readTLV(rest)
	if err != nil || pdu.tag != tagGetRequest {
		return nil, false
	}

	reqID, oids, err := parseGetRequest(pdu.value)
	if err != nil {
		return nil, false
	}

	vbs := make([]byte, 0)
	errStatus := int64(0)
	errIndex := int64(0)
	for i, oid := range oids {
		val, ok := a.valueFor(oid)
		if !ok {
			errStatus = errNoSuchName
			errIndex = int64(i + 1)
			vbs = append(vbs, encodeVarbind(oid, encodeTLV(tagNull, nil))...)
			continue
		}
		vbs = append(vbs, encodeVarbind(oid, val)...)
	}

	respPDU := encodeTLV(tagInteger, encodeIntBytes(reqID))
	respPDU = append(respPDU, encodeTLV(tagInteger, encodeIntBytes(errStatus))...)
	respPDU = append(respPDU, encodeTLV(tagInteger, encodeIntBytes(errIndex))...)
	respPDU = append(respPDU, encodeTLV(tagSequence, vbs)...)

	msgBody := encodeTLV(tagInteger, encodeIntBytes(version))
	msgBody = append(msgBody, encodeTLV(tagOctetString, community)...)
	msgBody = append(msgBody, encodeTLV(tagGetResponse, respPDU)...)

	return encodeTLV(tagSequence, msgBody), true
}

// valueFor returns the BER-encoded value for a known OID.
func (a *Agent) valueFor(oid string) ([]byte, bool) {
	switch oid {
	case oidSysDescr:
		return encodeTLV(tagOctetString, []byte(a.cfg.SysDescr)), true
	case oidSysUpTime:
		ticks := int64(a.now().Sub(a.started) / (10 * time.Millisecond))
		return encodeTLV(tagTimeTicks, encodeIntBytes(ticks)), true
	default:
		return nil, false
	}
}

func parseGetRequest(body []byte) (requestID int64, oids []string, err error) {
	requestID, rest, err := readInt(body)
	if err != nil {
		return 0, nil, err
	}
	// Skip error-status and error-index (always 0 on a request).
	_, rest, err = readInt(rest)
	if err != nil {
		return 0, nil, err
	}
	_, rest, err = readInt(rest)
	if err != nil {
		return 0, nil, err
	}

	vbl, _, err := readTLV(rest)
	if err != nil || vbl.tag != tagSequence {
		return 0, nil, fmt.Errorf("malformed varbind list")
	}

	remain := vbl.value
	for len(remain) > 0 {
		vb, next, err := readTLV(remain)
		if err != nil || vb.tag != tagSequence {
			return 0, nil, fmt.Errorf("malformed varbind")
		}
		remain = next

		oidTLV, body, err := readTLV(vb.value)
		if err != nil || oidTLV.tag != tagOID {
			return 0, nil, fmt.Errorf("malformed varbind oid")
		}
		_ = body
		oids = append(oids, decodeOID(oidTLV.value))
	}
	return requestID, oids, nil
}

func encodeVarbind(oid string, encodedValue []byte) []byte {
	body := append(encodeTLV(tagOID, encodeOID(oid)), encodedValue...)
	return encodeTLV(tagSequence, body)
}

// -------------------------------------------------------------------------
// Minimal BER encode/decode: tag-length-value only, sufficient for v1/v2c
// GET requests and responses over INTEGER/OCTET STRING/NULL/OID/TimeTicks.
// -------------------------------------------------------------------------

type tlv struct {
	tag   byte
	value []byte
}

func readTLV(b []byte) (tlv, []byte, error) {
	if len(b) < 2 {
		return tlv{}, nil, fmt.Errorf("truncated TLV")
	}
	tag := b[0]
	length, lenBytes, err := readLength(b[1:])
	if err != nil {
		return tlv{}, nil, err
	}
	start := 1 + lenBytes
	if len(b) < start+length {
		return tlv{}, nil, fmt.Errorf("truncated TLV value")
	}
	return tlv{tag: tag, value: b[start : start+length]}, b[start+length:], nil
}

func readLength(b []byte) (length int, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("missing length")
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, nil
	}
	n := int(b[0] & 0x7F)
	if n == 0 || len(b) < 1+n {
		return 0, 0, fmt.Errorf("bad long-form length")
	}
	length = 0
	for i := 0; i < n; i++ {
		length = length<<8 | int(b[1+i])
	}
	return length, 1 + n, nil
}

func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xFF)}, b...)
		n >>= 8
	}
	return append([]byte{byte(0x80 | len(b))}, b...)
}

func encodeTLV(tag byte, value []byte) []byte {
	out := []byte{tag}
	out = append(out, encodeLength(len(value))...)
	return append(out, value...)
}

func readInt(b []byte) (int64, []byte, error) {
	t, rest, err := readTLV(b)
	if err != nil {
		return 0, nil, err
	}
	if t.tag != tagInteger {
		return 0, nil, fmt.Errorf("expected INTEGER, got tag %#x", t.tag)
	}
	return decodeIntBytes(t.value), rest, nil
}

func readOctetString(b []byte) ([]byte, []byte, error) {
	t, rest, err := readTLV(b)
	if err != nil {
		return nil, nil, err
	}
	if t.tag != tagOctetString {
		return nil, nil, fmt.Errorf("expected OCTET STRING, got tag %#x", t.tag)
	}
	return t.value, rest, nil
}

func decodeIntBytes(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var n int64
	neg := b[0]&0x80 != 0
	for _, by := range b {
		n = n<<8 | int64(by)
	}
	if neg {
		n -= 1 << (8 * uint(len(b)))
	}
	return n
}

func encodeIntBytes(n int64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var b []byte
	v := n
	for v != 0 && v != -1 {
		b = append([]byte{byte(v & 0xFF)}, b...)
		v >>= 8
	}
	// Ensure the leading byte's sign bit matches n's sign (two's complement).
	if n > 0 && len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	if n < 0 && (len(b) == 0 || b[0]&0x80 == 0) {
		b = append([]byte{0xFF}, b...)
	}
	return b
}

func encodeOID(oid string) []byte {
	parts := strings.Split(strings.TrimPrefix(oid, "."), ".")
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) < 2 {
		return nil
	}
	var out []byte
	out = append(out, byte(nums[0]*40+nums[1]))
	for _, n := range nums[2:] {
		out = append(out, encodeOIDArc(n)...)
	}
	return out
}

func encodeOIDArc(n int64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0x7F)}, b...)
		n >>= 7
	}
	for i := 0; i < len(b)-1; i++ {
		b[i] |= 0x80
	}
	return b
}

func decodeOID(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	parts := []string{
		strconv.Itoa(int(b[0] / 40)),
		strconv.Itoa(int(b[0] % 40)),
	}
	var cur int64
	for _, by := range b[1:] {
		cur = cur<<7 | int64(by&0x7F)
		if by&0x80 == 0 {
			parts = append(parts, strconv.FormatInt(cur, 10))
			cur = 0
		}
	}
	return strings.Join(parts, ".")
}
