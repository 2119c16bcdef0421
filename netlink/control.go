package netlink

import (
	"encoding/binary"

	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/packet"
)

// Every netlink message starts with a 16-byte header, followed for
// generic netlink by a 4-byte family header, then attributes:
//
//	 0               1               2               3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         message length                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         type (family)         |             flags             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        sequence number                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                            port id                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    command    |    version    |            reserved           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|        attribute length       |         attribute type        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|             attribute payload, padded to 4 bytes ...          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// All fields are host byte order on the wire, the netlink convention;
// this codec fixes little-endian for portability of captures.
const (
	HeaderSize        = 16
	GenericHeaderSize = 4
	attrHeaderSize    = 4

	// ControlFamilyID is the fixed id of the discovery family itself.
	ControlFamilyID = 0x10
)

// Control family commands.
const (
	CommandNewFamily    = 1
	CommandDeleteFamily = 2
	CommandGetFamily    = 3
)

// Control family attribute types.
const (
	AttributeFamilyID   = 1
	AttributeFamilyName = 2
)

// Header is the decoded fixed netlink header.
type Header struct {
	Length   uint32
	Type     uint16
	Flags    uint16
	Sequence uint32
	PortID   uint32
}

// Attribute is one decoded attribute.
type Attribute struct {
	Type uint16
	Data []byte
}

func attrAlign(n int) int {
	return (n + 3) &^ 3
}

// MessageBuilder assembles one generic netlink message back to front:
// attributes are appended, then the headers are prepended so the final
// length field can be stamped with the complete size.
type MessageBuilder struct {
	pkt *packet.Buffer
}

// NewMessageBuilder reserves room for both headers plus the given
// attribute payload capacity.
func NewMessageBuilder(attrCapacity int) *MessageBuilder {
	return &MessageBuilder{
		pkt: packet.New(0, HeaderSize+GenericHeaderSize, attrCapacity),
	}
}

// AppendAttribute adds one attribute with 4-byte-aligned framing.
func (b *MessageBuilder) AppendAttribute(attrType uint16, data []byte) {
	region := b.pkt.AppendFooter(attrAlign(attrHeaderSize + len(data)))
	binary.LittleEndian.PutUint16(region[0:2], uint16(attrHeaderSize+len(data)))
	binary.LittleEndian.PutUint16(region[2:4], attrType)
	copy(region[attrHeaderSize:], data)
	for i := attrHeaderSize + len(data); i < len(region); i++ {
		region[i] = 0
	}
}

// AppendStringAttribute adds a NUL-terminated string attribute.
func (b *MessageBuilder) AppendStringAttribute(attrType uint16, s string) {
	b.AppendAttribute(attrType, append([]byte(s), 0))
}

// AppendUint16Attribute adds a 16-bit attribute.
func (b *MessageBuilder) AppendUint16Attribute(attrType uint16, v uint16) {
	var data [2]byte
	binary.LittleEndian.PutUint16(data[:], v)
	b.AppendAttribute(attrType, data[:])
}

// Finish prepends the generic and netlink headers and returns the
// completed message.
func (b *MessageBuilder) Finish(familyID uint16, command, version uint8, sequence, portID uint32) *packet.Buffer {
	generic := b.pkt.PrependHeader(GenericHeaderSize)
	generic[0] = command
	generic[1] = version
	generic[2], generic[3] = 0, 0

	header := b.pkt.PrependHeader(HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(b.pkt.PayloadLen()))
	binary.LittleEndian.PutUint16(header[4:6], familyID)
	binary.LittleEndian.PutUint16(header[6:8], 0)
	binary.LittleEndian.PutUint32(header[8:12], sequence)
	binary.LittleEndian.PutUint32(header[12:16], portID)

	return b.pkt
}

// ParseMessage decodes the two headers and the attribute list of one
// generic netlink message.
func ParseMessage(payload []byte) (Header, uint8, []Attribute, error) {
	var h Header
	if len(payload) < HeaderSize+GenericHeaderSize {
		return h, 0, nil, netcore.ErrInvalidParameter
	}

	h.Length = binary.LittleEndian.Uint32(payload[0:4])
	h.Type = binary.LittleEndian.Uint16(payload[4:6])
	h.Flags = binary.LittleEndian.Uint16(payload[6:8])
	h.Sequence = binary.LittleEndian.Uint32(payload[8:12])
	h.PortID = binary.LittleEndian.Uint32(payload[12:16])
	if int(h.Length) < HeaderSize+GenericHeaderSize || int(h.Length) > len(payload) {
		return h, 0, nil, netcore.ErrInvalidParameter
	}

	command := payload[HeaderSize]

	attrs, err := parseAttributes(payload[HeaderSize+GenericHeaderSize : h.Length])
	if err != nil {
		return h, 0, nil, err
	}
	return h, command, attrs, nil
}

func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(data) > 0 {
		if len(data) < attrHeaderSize {
			return nil, netcore.ErrInvalidParameter
		}

		length := int(binary.LittleEndian.Uint16(data[0:2]))
		if length < attrHeaderSize || length > len(data) {
			return nil, netcore.ErrInvalidParameter
		}

		attrs = append(attrs, Attribute{
			Type: binary.LittleEndian.Uint16(data[2:4]),
			Data: data[attrHeaderSize:length],
		})

		advance := attrAlign(length)
		if advance > len(data) {
			advance = len(data)
		}
		data = data[advance:]
	}
	return attrs, nil
}

// ControlFamily answers discovery requests against a family registry.
type ControlFamily struct {
	registry *FamilyRegistry
}

// NewControlFamily builds the discovery handler.
func NewControlFamily(registry *FamilyRegistry) *ControlFamily {
	return &ControlFamily{registry: registry}
}

// newFamilyMessage renders one family as a new-family announcement.
func (c *ControlFamily) newFamilyMessage(f *Family, sequence, portID uint32) *packet.Buffer {
	b := NewMessageBuilder(attrAlign(attrHeaderSize+len(f.Name)+1) + attrHeaderSize + 4)
	b.AppendStringAttribute(AttributeFamilyName, f.Name)
	b.AppendUint16Attribute(AttributeFamilyID, f.ID)
	return b.Finish(ControlFamilyID, CommandNewFamily, 1, sequence, portID)
}

// HandleGetFamily answers a GetFamily request identifying the family by
// either name or id attribute. Unknown families or requests naming
// neither yield ErrNotSupported; malformed messages ErrInvalidParameter.
func (c *ControlFamily) HandleGetFamily(request []byte) (*packet.Buffer, error) {
	h, command, attrs, err := ParseMessage(request)
	if err != nil {
		return nil, err
	}
	if command != CommandGetFamily {
		return nil, netcore.ErrNotSupported
	}

	for _, attr := range attrs {
		switch attr.Type {
		case AttributeFamilyName:
			name := attr.Data
			// Strip the terminator if present.
			if n := len(name); n > 0 && name[n-1] == 0 {
				name = name[:n-1]
			}
			if f, ok := c.registry.FamilyByName(string(name)); ok {
				return c.newFamilyMessage(f, h.Sequence, h.PortID), nil
			}
			return nil, netcore.ErrNotSupported

		case AttributeFamilyID:
			if len(attr.Data) < 2 {
				return nil, netcore.ErrInvalidParameter
			}
			id := binary.LittleEndian.Uint16(attr.Data[0:2])
			if f, ok := c.registry.FamilyByID(id); ok {
				return c.newFamilyMessage(f, h.Sequence, h.PortID), nil
			}
			return nil, netcore.ErrNotSupported
		}
	}

	return nil, netcore.ErrNotSupported
}
