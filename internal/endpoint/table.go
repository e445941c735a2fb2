// Package endpoint implements the fixed endpoint table that exposes device
// state over CAN and UART. Each endpoint owns one typed value (or a call)
// addressed by a small integer id. Endpoint 0 is the protocol hash and
// endpoint 1 the firmware version; both are always present.
package endpoint

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxEndpoints bounds endpoint ids to 0..MaxEndpoints-1.
const MaxEndpoints = 64

// Reserved endpoint ids.
const (
	IDProtocolHash = 0
	IDVersion      = 1
)

var (
	ErrUnknownEndpoint = errors.New("endpoint: unknown id")
	ErrReadOnly        = errors.New("endpoint: read only")
	ErrWriteOnly       = errors.New("endpoint: write only")
	ErrLength          = errors.New("endpoint: bad value length")
	ErrDuplicate       = errors.New("endpoint: duplicate id")
	ErrInvalid         = errors.New("endpoint: invalid definition")
)

// Endpoint describes one addressable value. Get and Set may be nil for
// write-only and read-only endpoints; KindCall endpoints use Call instead.
type Endpoint struct {
	ID   uint8
	Name string
	Kind Kind
	Get  func() Value
	Set  func(Value) error
	Call func() error
}

func (e *Endpoint) access() string {
	switch {
	case e.Kind == KindCall:
		return "x"
	case e.Get != nil && e.Set != nil:
		return "rw"
	case e.Set != nil:
		return "w"
	}
	return "r"
}

// Version is the firmware semantic version.
type Version struct {
	Major, Minor, Patch uint8
}

// Packed returns 0x00MMmmpp.
func (v Version) Packed() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Table is the immutable set of endpoints of one device.
type Table struct {
	slots   [MaxEndpoints]*Endpoint
	version Version
	hash    uint32
}

// NewTable builds a table from eps plus the two reserved endpoints.
func NewTable(v Version, eps ...Endpoint) (*Table, error) {
	t := &Table{version: v}
	reserved := []Endpoint{
		{ID: IDProtocolHash, Name: "protocol_hash", Kind: KindU32, Get: func() Value { return U32(t.hash) }},
		{ID: IDVersion, Name: "fw_version", Kind: KindU32, Get: func() Value { return U32(t.version.Packed()) }},
	}
	for _, e := range append(reserved, eps...) {
		if err := t.add(e); err != nil {
			return nil, err
		}
	}
	t.hash = t.signatureHash()
	return t, nil
}

func (t *Table) add(e Endpoint) error {
	if int(e.ID) >= MaxEndpoints {
		return fmt.Errorf("%w: %d (%s)", ErrUnknownEndpoint, e.ID, e.Name)
	}
	if t.slots[e.ID] != nil {
		return fmt.Errorf("%w: %d (%s, %s)", ErrDuplicate, e.ID, t.slots[e.ID].Name, e.Name)
	}
	switch {
	case e.Name == "":
		return fmt.Errorf("%w: endpoint %d has no name", ErrInvalid, e.ID)
	case e.Kind == KindCall && e.Call == nil:
		return fmt.Errorf("%w: call %s without function", ErrInvalid, e.Name)
	case e.Kind != KindCall && e.Get == nil && e.Set == nil:
		return fmt.Errorf("%w: %s has no accessor", ErrInvalid, e.Name)
	case e.Kind > KindBool:
		return fmt.Errorf("%w: %s kind %s", ErrInvalid, e.Name, e.Kind)
	}
	ep := e
	t.slots[e.ID] = &ep
	return nil
}

// signatureHash folds xxhash64 of "id:name:kind:access;" for every endpoint
// in id order. Clients compare it to detect an incompatible table.
func (t *Table) signatureHash() uint32 {
	d := xxhash.New()
	for _, e := range t.slots {
		if e == nil {
			continue
		}
		_, _ = fmt.Fprintf(d, "%d:%s:%s:%s;", e.ID, e.Name, e.Kind, e.access())
	}
	h := d.Sum64()
	return uint32(h) ^ uint32(h>>32)
}

func (t *Table) Hash() uint32     { return t.hash }
func (t *Table) Version() Version { return t.version }

// Lookup returns the endpoint with the given id, or nil.
func (t *Table) Lookup(id uint8) *Endpoint {
	if int(id) >= MaxEndpoints {
		return nil
	}
	return t.slots[id]
}

// ByName finds an endpoint by name.
func (t *Table) ByName(name string) (*Endpoint, bool) {
	for _, e := range t.slots {
		if e != nil && e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Endpoints lists the table in id order.
func (t *Table) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, MaxEndpoints)
	for _, e := range t.slots {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Read returns the current value of id. Reading a call endpoint invokes it
// and returns an empty value.
func (t *Table) Read(id uint8) (Value, error) {
	e := t.Lookup(id)
	if e == nil {
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownEndpoint, id)
	}
	if e.Kind == KindCall {
		return Value{}, e.Call()
	}
	if e.Get == nil {
		return Value{}, fmt.Errorf("%w: %s", ErrWriteOnly, e.Name)
	}
	return e.Get(), nil
}

// Write decodes data as the endpoint's kind and stores it. A call endpoint
// accepts only an empty payload.
func (t *Table) Write(id uint8, data []byte) error {
	e := t.Lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %d", ErrUnknownEndpoint, id)
	}
	if e.Kind == KindCall {
		if len(data) != 0 {
			return fmt.Errorf("%w: call %s takes no arguments", ErrLength, e.Name)
		}
		return e.Call()
	}
	if e.Set == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, e.Name)
	}
	v, err := Decode(e.Kind, data)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	if err := e.Set(v); err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	return nil
}
