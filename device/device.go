// Package device provides the reference command set spoken by blekit's demo
// peripheral: a ping, a status query, a config write and a keyed data read,
// plus a JSON self-description.
//
// All multi-byte fields of the binary commands are big-endian.
package device

import (
	"sync"

	"blekit/codec"
	"blekit/command"
)

const (
	CmdPing      uint8 = 0x01
	CmdGetStatus uint8 = 0x02
	CmdSetConfig uint8 = 0x03
	CmdGetData   uint8 = 0x04
	CmdGetInfo   uint8 = 0x05
)

// Result codes for commands that acknowledge with a single byte.
const (
	ResultOK    uint8 = 0x00
	ResultError uint8 = 0xFF
)

// Status is the GetStatus reply.
type Status struct {
	State  uint8
	Mode   uint8
	Value1 uint16
	Value2 uint16
}

// ConfigWrite is the SetConfig request.
type ConfigWrite struct {
	ID    uint16
	Value uint16
}

// DataRecord is the GetData reply.
type DataRecord struct {
	ID    uint16
	Value uint32
}

// Info is the GetInfo reply, JSON encoded.
type Info struct {
	Protocol string        `json:"protocol"`
	Version  string        `json:"version"`
	Commands []CommandInfo `json:"commands"`
}

type CommandInfo struct {
	ID   uint8  `json:"id"`
	Name string `json:"name"`
}

// Device holds the state the reference handlers read and write.
type Device struct {
	mu     sync.Mutex
	status Status
	config map[uint16]uint16
	data   func(id uint16) uint32
}

// New returns a device reporting status and serving data from source.
// A nil source serves a constant reading.
func New(status Status, source func(id uint16) uint32) *Device {
	if source == nil {
		source = func(uint16) uint32 { return 12345678 }
	}
	return &Device{
		status: status,
		config: make(map[uint16]uint16),
		data:   source,
	}
}

// Protocol builds a protocol serving d's command set.
func (d *Device) Protocol(name, version string, opts ...command.Option) *command.Protocol {
	p := command.New(name, version, opts...)
	d.RegisterOn(p)
	return p
}

// RegisterOn adds d's commands to an existing protocol.
func (d *Device) RegisterOn(p *command.Protocol) {
	p.Register(CmdPing, "Ping", d.ping)
	p.Register(CmdGetStatus, "GetStatus", d.getStatus)
	p.Register(CmdSetConfig, "SetConfig", d.setConfig)
	p.Register(CmdGetData, "GetData", d.getData)
	p.Register(CmdGetInfo, "GetInfo", func(payload []byte) ([]byte, error) {
		return describe(p)
	})
}

// Config returns the last value written for id.
func (d *Device) Config(id uint16) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.config[id]
	return v, ok
}

// ping echoes its payload.
func (d *Device) ping(payload []byte) ([]byte, error) {
	return append([]byte{}, payload...), nil
}

func (d *Device) getStatus(payload []byte) ([]byte, error) {
	d.mu.Lock()
	s := d.status
	d.mu.Unlock()
	return codec.Binary.Encode(&s)
}

// setConfig answers ResultError to a short request instead of failing, so the
// peer always learns the outcome.
func (d *Device) setConfig(payload []byte) ([]byte, error) {
	var w ConfigWrite
	if err := codec.Binary.Decode(payload, &w); err != nil {
		return []byte{ResultError}, nil
	}

	d.mu.Lock()
	d.config[w.ID] = w.Value
	d.mu.Unlock()
	return []byte{ResultOK}, nil
}

func (d *Device) getData(payload []byte) ([]byte, error) {
	var id uint16
	if err := codec.Binary.Decode(payload, &id); err != nil {
		return []byte{ResultError}, nil
	}
	return codec.Binary.Encode(&DataRecord{ID: id, Value: d.data(id)})
}

// describe lists p's command table as it is when the request arrives.
func describe(p *command.Protocol) ([]byte, error) {
	info := Info{Protocol: p.Name(), Version: p.Version()}
	for _, e := range p.Commands() {
		info.Commands = append(info.Commands, CommandInfo{ID: e.ID, Name: e.Name})
	}
	return codec.GetCodec(codec.CodecTypeJSON).Encode(&info)
}
