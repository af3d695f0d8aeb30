// Package snmp wraps github.com/gosnmp/gosnmp behind a small interface so
// scheduler/task code and tests never import gosnmp directly (spec §1
// treats the SNMP transport library as an external collaborator exposing
// GET / GET-NEXT / GET-BULK / trap-receive).
package snmp

import (
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Varbind is one OID/value pair returned from a GET or walk.
type Varbind struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value any
}

// Client is the minimal surface tasks need from an SNMP session.
type Client interface {
	// Get issues a GET for the given OIDs.
	Get(oids []string) ([]Varbind, error)
	// BulkWalkAll issues GET-BULK requests until the subtree rooted at
	// oid is exhausted, returning every varbind encountered.
	BulkWalkAll(oid string) ([]Varbind, error)
	// Close releases the underlying transport.
	Close() error
}

// DeviceParams configures a per-device SNMP session (spec §3 "Device").
type DeviceParams struct {
	Address        string
	Community      string
	Version        string // "v1" or "v2c"
	Port           int
	Timeout        time.Duration
	Retries        int
	MaxRepetitions uint32
}

// client adapts *gosnmp.GoSNMP to the Client interface.
type client struct {
	g *gosnmp.GoSNMP
}

// Dial opens an SNMP session to a device. The session is owned exclusively
// by the calling device's task queue for the lifetime of the returned
// Client — reusable across task kinds but never concurrently (spec §5).
func Dial(p DeviceParams) (Client, error) {
	version := gosnmp.Version2c
	if p.Version == "v1" {
		version = gosnmp.Version1
	}

	maxRep := p.MaxRepetitions
	if maxRep == 0 {
		maxRep = 10
	}

	g := &gosnmp.GoSNMP{
		Target:         p.Address,
		Port:           uint16(p.Port),
		Community:      p.Community,
		Version:        version,
		Timeout:        p.Timeout,
		Retries:        p.Retries,
		MaxRepetitions: maxRep,
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp dial %s: %w", p.Address, err)
	}

	return &client{g: g}, nil
}

func (c *client) Get(oids []string) ([]Varbind, error) {
	result, err := c.g.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", c.g.Target, err)
	}
	return toVarbinds(result.Variables), nil
}

func (c *client) BulkWalkAll(oid string) ([]Varbind, error) {
	pdus, err := c.g.BulkWalkAll(oid)
	if err != nil {
		return nil, fmt.Errorf("snmp bulkwalk %s %s: %w", c.g.Target, oid, err)
	}
	return toVarbinds(pdus), nil
}

func (c *client) Close() error {
	if err := c.g.Conn.Close(); err != nil {
		return fmt.Errorf("snmp close %s: %w", c.g.Target, err)
	}
	return nil
}

func toVarbinds(pdus []gosnmp.SnmpPDU) []Varbind {
	out := make([]Varbind, 0, len(pdus))
	for _, p := range pdus {
		out = append(out, Varbind{OID: p.Name, Type: p.Type, Value: p.Value})
	}
	return out
}
