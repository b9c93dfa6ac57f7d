// Package proto implements the radio wire protocol: the protobuf messages
// exchanged with the device (FromRadio/ToRadio and everything nested in
// them) and the stream framing used on byte-stream links.
//
// Messages are encoded with protowire directly so the codec carries no
// generated code; unknown fields are skipped on decode.
package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// DataType mirrors the Data.Type enum on the wire.
type DataType uint32

const (
	DataOpaque       DataType = 0
	DataClearText    DataType = 1
	DataClearReadAck DataType = 2
)

// Kind classifies the payload carried by a SubPacket.
type Kind int

const (
	KindOther Kind = iota
	KindPosition
	KindIdentity
	KindData
	KindAckNak
)

func (k Kind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindIdentity:
		return "identity"
	case KindData:
		return "data"
	case KindAckNak:
		return "ack_nak"
	default:
		return "other"
	}
}

// FromRadio is one message from the device. Exactly one variant is set.
type FromRadio struct {
	Num              uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	Radio            *RadioConfig
	LogRecord        string
	ConfigCompleteID uint32
	Rebooted         bool
}

// ToRadio is one message to the device.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	SetOwner     *User
}

// MeshPacket is a routed mesh packet as delivered to or from the device.
type MeshPacket struct {
	From     uint32
	To       uint32
	Decoded  *SubPacket
	ID       uint32
	RxTime   uint32 // unix seconds
	RxSNR    float32
	HopLimit uint32
	WantAck  bool
}

// SubPacket is the decoded body of a MeshPacket. At most one of Position,
// Data and User is set; SuccessID/FailID acknowledge an earlier packet.
type SubPacket struct {
	Position     *Position
	Data         *Data
	User         *User
	WantResponse bool
	Dest         uint32
	Source       uint32
	SuccessID    uint32
	FailID       uint32

	// UnknownVariant is set when the payload used a variant this codec does
	// not know about.
	UnknownVariant protowire.Number
}

// Kind reports which payload variant the sub-packet carries.
func (s *SubPacket) Kind() Kind {
	switch {
	case s.Position != nil:
		return KindPosition
	case s.Data != nil:
		return KindData
	case s.User != nil:
		return KindIdentity
	case s.SuccessID != 0 || s.FailID != 0:
		return KindAckNak
	default:
		return KindOther
	}
}

// Data is an application payload.
type Data struct {
	Type    DataType
	Payload []byte
}

// User carries a node's identity.
type User struct {
	ID        string
	LongName  string
	ShortName string
	MacAddr   []byte
}

// Position holds GPS coordinates in the device's fixed-point format.
type Position struct {
	LatitudeI    int32 // degrees × 1e-7
	LongitudeI   int32 // degrees × 1e-7
	Altitude     int32 // metres
	BatteryLevel int32
	Time         uint32 // unix seconds
}

// NodeInfo is one entry of the node database sent during config.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  *Position
	SNR       float32
	LastHeard uint32
}

// MyNodeInfo carries the local device's own identity and protocol limits.
type MyNodeInfo struct {
	MyNodeNum          uint32
	HasGPS             bool
	Region             string
	HWModel            string
	FirmwareVersion    string
	PacketIDBits       uint32
	CurrentPacketID    uint32
	NodeNumBits        uint32
	MessageTimeoutMsec uint32
	MinAppVersion      uint32
}

// RadioConfig is the device-wide radio configuration.
type RadioConfig struct {
	Preferences *UserPreferences
}

// UserPreferences is the subset of device preferences the session uses.
type UserPreferences struct {
	PositionBroadcastSecs uint32
	WaitBluetoothSecs     uint32
	LsSecs                uint32
}

// ── Handler ───────────────────────────────────────────────────────────────

// DecodeFromRadio parses one unframed FromRadio message.
func DecodeFromRadio(data []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	variants := 0
	err := walk("FromRadio", data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			fr.Num, err = f.uint32("FromRadio")
		case 2:
			variants++
			fr.Packet, err = decodeMessage(f, "FromRadio.packet", decodeMeshPacket)
		case 3:
			variants++
			fr.MyInfo, err = decodeMessage(f, "FromRadio.my_info", decodeMyNodeInfo)
		case 6:
			variants++
			fr.NodeInfo, err = decodeMessage(f, "FromRadio.node_info", decodeNodeInfo)
		case 7:
			variants++
			fr.Radio, err = decodeMessage(f, "FromRadio.radio", decodeRadioConfig)
		case 8:
			variants++
			fr.LogRecord, err = f.string("FromRadio.log_record")
		case 9:
			variants++
			fr.ConfigCompleteID, err = f.uint32("FromRadio.config_complete_id")
		case 10:
			variants++
			fr.Rebooted, err = f.bool("FromRadio.rebooted")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if variants > 1 {
		return nil, fmt.Errorf("proto: FromRadio carries %d variants: %w", variants, mesh.ErrProtocolViolation)
	}
	return fr, nil
}

// EncodeFromRadio serialises a FromRadio. The session never sends these;
// the radio simulator in tests and the loopback transport do.
func EncodeFromRadio(fr *FromRadio) ([]byte, error) {
	if fr == nil {
		return nil, fmt.Errorf("proto: cannot encode nil FromRadio")
	}
	var b []byte
	b = appendVarint(b, 1, uint64(fr.Num))
	switch {
	case fr.Packet != nil:
		b = appendMessage(b, 2, fr.Packet.marshal())
	case fr.MyInfo != nil:
		b = appendMessage(b, 3, fr.MyInfo.marshal())
	case fr.NodeInfo != nil:
		b = appendMessage(b, 6, fr.NodeInfo.marshal())
	case fr.Radio != nil:
		b = appendMessage(b, 7, fr.Radio.marshal())
	case fr.LogRecord != "":
		b = appendString(b, 8, fr.LogRecord)
	case fr.ConfigCompleteID != 0:
		b = appendVarint(b, 9, uint64(fr.ConfigCompleteID))
	case fr.Rebooted:
		b = appendBool(b, 10, true)
	}
	return b, nil
}

// EncodeToRadio serialises a ToRadio message.
func EncodeToRadio(msg *ToRadio) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("proto: cannot encode nil ToRadio")
	}
	var b []byte
	switch {
	case msg.Packet != nil:
		b = appendMessage(b, 1, msg.Packet.marshal())
	case msg.WantConfigID != 0:
		b = appendVarint(b, 100, uint64(msg.WantConfigID))
	case msg.SetOwner != nil:
		b = appendMessage(b, 102, msg.SetOwner.marshal())
	default:
		return nil, fmt.Errorf("proto: ToRadio has no variant set")
	}
	return b, nil
}

// DecodeToRadio parses a ToRadio message.
func DecodeToRadio(data []byte) (*ToRadio, error) {
	tr := &ToRadio{}
	err := walk("ToRadio", data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			tr.Packet, err = decodeMessage(f, "ToRadio.packet", decodeMeshPacket)
		case 100:
			tr.WantConfigID, err = f.uint32("ToRadio.want_config_id")
		case 102:
			tr.SetOwner, err = decodeMessage(f, "ToRadio.set_owner", decodeUser)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func decodeMessage[T any](f field, msg string, dec func([]byte) (*T, error)) (*T, error) {
	b, err := f.bytes(msg)
	if err != nil {
		return nil, err
	}
	return dec(b)
}

// ── MeshPacket ────────────────────────────────────────────────────────────

func (p *MeshPacket) marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, p.From)
	b = appendFixed32(b, 2, p.To)
	if p.Decoded != nil {
		b = appendMessage(b, 3, p.Decoded.marshal())
	}
	b = appendFixed32(b, 6, p.ID)
	b = appendFixed32(b, 7, p.RxTime)
	b = appendFloat32(b, 8, p.RxSNR)
	b = appendVarint(b, 9, uint64(p.HopLimit))
	b = appendBool(b, 10, p.WantAck)
	return b
}

func decodeMeshPacket(data []byte) (*MeshPacket, error) {
	const msg = "MeshPacket"
	p := &MeshPacket{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.From, err = f.uint32(msg)
		case 2:
			p.To, err = f.uint32(msg)
		case 3:
			p.Decoded, err = decodeMessage(f, msg+".decoded", decodeSubPacket)
		case 6:
			p.ID, err = f.uint32(msg)
		case 7:
			p.RxTime, err = f.uint32(msg)
		case 8:
			p.RxSNR, err = f.float32(msg)
		case 9:
			p.HopLimit, err = f.uint32(msg)
		case 10:
			p.WantAck, err = f.bool(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ── SubPacket ─────────────────────────────────────────────────────────────

func (s *SubPacket) marshal() []byte {
	var b []byte
	switch {
	case s.Position != nil:
		b = appendMessage(b, 1, s.Position.marshal())
	case s.Data != nil:
		b = appendMessage(b, 3, s.Data.marshal())
	case s.User != nil:
		b = appendMessage(b, 4, s.User.marshal())
	}
	b = appendBool(b, 5, s.WantResponse)
	b = appendFixed32(b, 9, s.Dest)
	b = appendVarint(b, 10, uint64(s.SuccessID))
	b = appendVarint(b, 11, uint64(s.FailID))
	b = appendFixed32(b, 12, s.Source)
	return b
}

func decodeSubPacket(data []byte) (*SubPacket, error) {
	const msg = "SubPacket"
	s := &SubPacket{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.Position, err = decodeMessage(f, msg+".position", decodePosition)
		case 3:
			s.Data, err = decodeMessage(f, msg+".data", decodeData)
		case 4:
			s.User, err = decodeMessage(f, msg+".user", decodeUser)
		case 5:
			s.WantResponse, err = f.bool(msg)
		case 9:
			s.Dest, err = f.uint32(msg)
		case 10:
			s.SuccessID, err = f.uint32(msg)
		case 11:
			s.FailID, err = f.uint32(msg)
		case 12:
			s.Source, err = f.uint32(msg)
		case 2, 6, 7, 8:
			// Payload variants from newer firmware (route discovery,
			// telemetry). Reported, not decoded.
			s.UnknownVariant = f.num
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ── Data / User / Position ────────────────────────────────────────────────

func (d *Data) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.Type))
	b = appendBytes(b, 2, d.Payload)
	return b
}

func decodeData(data []byte) (*Data, error) {
	const msg = "Data"
	d := &Data{}
	err := walk(msg, data, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint32(msg)
			d.Type = DataType(v)
			return err
		case 2:
			b, err := f.bytes(msg)
			d.Payload = append([]byte(nil), b...)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (u *User) marshal() []byte {
	var b []byte
	b = appendString(b, 1, u.ID)
	b = appendString(b, 2, u.LongName)
	b = appendString(b, 3, u.ShortName)
	b = appendBytes(b, 4, u.MacAddr)
	return b
}

func decodeUser(data []byte) (*User, error) {
	const msg = "User"
	u := &User{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			u.ID, err = f.string(msg)
		case 2:
			u.LongName, err = f.string(msg)
		case 3:
			u.ShortName, err = f.string(msg)
		case 4:
			var b []byte
			b, err = f.bytes(msg)
			u.MacAddr = append([]byte(nil), b...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *Position) marshal() []byte {
	var b []byte
	b = appendInt32(b, 3, p.Altitude)
	b = appendInt32(b, 4, p.BatteryLevel)
	b = appendFixed32(b, 7, uint32(p.LatitudeI))
	b = appendFixed32(b, 8, uint32(p.LongitudeI))
	b = appendFixed32(b, 9, p.Time)
	return b
}

func decodePosition(data []byte) (*Position, error) {
	const msg = "Position"
	p := &Position{}
	err := walk(msg, data, func(f field) error {
		v, err := f.scalar(msg)
		switch f.num {
		case 3:
			p.Altitude = int32(v)
		case 4:
			p.BatteryLevel = int32(v)
		case 7:
			p.LatitudeI = int32(uint32(v))
		case 8:
			p.LongitudeI = int32(uint32(v))
		case 9:
			p.Time = uint32(v)
		default:
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ── NodeInfo / MyNodeInfo / RadioConfig ───────────────────────────────────

func (n *NodeInfo) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(n.Num))
	if n.User != nil {
		b = appendMessage(b, 2, n.User.marshal())
	}
	if n.Position != nil {
		b = appendMessage(b, 3, n.Position.marshal())
	}
	b = appendFloat32(b, 7, n.SNR)
	b = appendFixed32(b, 8, n.LastHeard)
	return b
}

func decodeNodeInfo(data []byte) (*NodeInfo, error) {
	const msg = "NodeInfo"
	n := &NodeInfo{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			n.Num, err = f.uint32(msg)
		case 2:
			n.User, err = decodeMessage(f, msg+".user", decodeUser)
		case 3:
			n.Position, err = decodeMessage(f, msg+".position", decodePosition)
		case 7:
			n.SNR, err = f.float32(msg)
		case 8:
			n.LastHeard, err = f.uint32(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (m *MyNodeInfo) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.MyNodeNum))
	b = appendBool(b, 2, m.HasGPS)
	b = appendString(b, 4, m.Region)
	b = appendString(b, 5, m.HWModel)
	b = appendString(b, 6, m.FirmwareVersion)
	b = appendVarint(b, 10, uint64(m.PacketIDBits))
	b = appendVarint(b, 11, uint64(m.CurrentPacketID))
	b = appendVarint(b, 12, uint64(m.NodeNumBits))
	b = appendVarint(b, 13, uint64(m.MessageTimeoutMsec))
	b = appendVarint(b, 14, uint64(m.MinAppVersion))
	return b
}

func decodeMyNodeInfo(data []byte) (*MyNodeInfo, error) {
	const msg = "MyNodeInfo"
	m := &MyNodeInfo{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.MyNodeNum, err = f.uint32(msg)
		case 2:
			m.HasGPS, err = f.bool(msg)
		case 4:
			m.Region, err = f.string(msg)
		case 5:
			m.HWModel, err = f.string(msg)
		case 6:
			m.FirmwareVersion, err = f.string(msg)
		case 10:
			m.PacketIDBits, err = f.uint32(msg)
		case 11:
			m.CurrentPacketID, err = f.uint32(msg)
		case 12:
			m.NodeNumBits, err = f.uint32(msg)
		case 13:
			m.MessageTimeoutMsec, err = f.uint32(msg)
		case 14:
			m.MinAppVersion, err = f.uint32(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *RadioConfig) marshal() []byte {
	var b []byte
	if r.Preferences != nil {
		var p []byte
		p = appendVarint(p, 1, uint64(r.Preferences.PositionBroadcastSecs))
		p = appendVarint(p, 4, uint64(r.Preferences.WaitBluetoothSecs))
		p = appendVarint(p, 10, uint64(r.Preferences.LsSecs))
		b = appendMessage(b, 1, p)
	}
	return b
}

func decodeRadioConfig(data []byte) (*RadioConfig, error) {
	r := &RadioConfig{}
	err := walk("RadioConfig", data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var err error
		r.Preferences, err = decodeMessage(f, "RadioConfig.preferences", decodeUserPreferences)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeUserPreferences(data []byte) (*UserPreferences, error) {
	const msg = "UserPreferences"
	p := &UserPreferences{}
	err := walk(msg, data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.PositionBroadcastSecs, err = f.uint32(msg)
		case 4:
			p.WaitBluetoothSecs, err = f.uint32(msg)
		case 10:
			p.LsSecs, err = f.uint32(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// KindLabel returns a human-readable label for a FromRadio variant.
func KindLabel(fr *FromRadio) string {
	switch {
	case fr.Packet != nil:
		return "packet"
	case fr.MyInfo != nil:
		return "my_info"
	case fr.NodeInfo != nil:
		return "node_info"
	case fr.Radio != nil:
		return "radio"
	case fr.LogRecord != "":
		return "log_record"
	case fr.ConfigCompleteID != 0:
		return "config_complete"
	case fr.Rebooted:
		return "rebooted"
	default:
		return "empty"
	}
}
