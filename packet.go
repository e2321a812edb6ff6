package shuffle

import (
	"encoding/binary"
	"fmt"
)

// Packet wire layout (big endian):
//
//	[4-byte header][8-byte containerID][4-byte taskID][4-byte payload length][payload]
//
// The payload length covers only the payload bytes. The remote address of a
// packet is never on the wire; the receiving transport fills it in.
const packetHeaderSize = 4 + 8 + 4 + 4

// maxPacketPayload is the default upper bound on a single packet's payload.
// Frames declaring more than this are rejected on read.
const maxPacketPayload = 16 << 20 // 16 MB

// Header selects how a packet is interpreted and routed.
type Header int32

// Shuffle protocol headers. Zero is reserved: a router result of zero means
// "no response".
const (
	HeaderDataChunk               Header = 1
	HeaderShufflerClosed          Header = 2
	HeaderDataChunkSent           Header = 3
	HeaderExecutionError          Header = 4
	HeaderNoAppFailure            Header = 5
	HeaderNoTaskFailure           Header = 6
	HeaderNoMemberFailure         Header = 7
	HeaderWrongChunkFailure       Header = 8
	HeaderNoContainerFailure      Header = 9
	HeaderApplicationNotExecuting Header = 10
)

var headerNames = map[Header]string{
	HeaderDataChunk:               "data-chunk",
	HeaderShufflerClosed:          "shuffler-closed",
	HeaderDataChunkSent:           "data-chunk-sent",
	HeaderExecutionError:          "execution-error",
	HeaderNoAppFailure:            "no-app-failure",
	HeaderNoTaskFailure:           "no-task-failure",
	HeaderNoMemberFailure:         "no-member-failure",
	HeaderWrongChunkFailure:       "wrong-chunk-failure",
	HeaderNoContainerFailure:      "no-container-failure",
	HeaderApplicationNotExecuting: "application-not-executing",
}

func (h Header) String() string {
	if name, ok := headerNames[h]; ok {
		return name
	}
	return fmt.Sprintf("header(%d)", int32(h))
}

// Packet is the unit exchanged between shuffle transports.
type Packet struct {
	Header      Header
	ContainerID int64
	TaskID      int32
	Payload     []byte

	// RemoteAddress identifies the node the packet arrived from. Set by the
	// socket reader, not decoded from the wire.
	RemoteAddress string
}

// NewPacket builds a packet addressed to a container task.
func NewPacket(h Header, containerID int64, taskID int32, payload []byte) *Packet {
	return &Packet{
		Header:      h,
		ContainerID: containerID,
		TaskID:      taskID,
		Payload:     payload,
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{header=%s container=%d task=%d payload=%dB remote=%q}",
		p.Header, p.ContainerID, p.TaskID, len(p.Payload), p.RemoteAddress)
}

// EncodedLen returns the number of bytes AppendPacket writes for p.
func (p *Packet) EncodedLen() int {
	return packetHeaderSize + len(p.Payload)
}

// AppendPacket encodes p onto dst and returns the extended slice.
func AppendPacket(dst []byte, p *Packet) []byte {
	var hdr [packetHeaderSize]byte
	putHeader(hdr[:], p.Header, p.ContainerID, p.TaskID, int32(len(p.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, p.Payload...)
}

func putHeader(b []byte, h Header, containerID int64, taskID int32, payloadLen int32) {
	binary.BigEndian.PutUint32(b[0:4], uint32(h))
	binary.BigEndian.PutUint64(b[4:12], uint64(containerID))
	binary.BigEndian.PutUint32(b[12:16], uint32(taskID))
	binary.BigEndian.PutUint32(b[16:20], uint32(payloadLen))
}

func getHeader(b []byte) (h Header, containerID int64, taskID int32, payloadLen int32) {
	h = Header(int32(binary.BigEndian.Uint32(b[0:4])))
	containerID = int64(binary.BigEndian.Uint64(b[4:12]))
	taskID = int32(binary.BigEndian.Uint32(b[12:16]))
	payloadLen = int32(binary.BigEndian.Uint32(b[16:20]))
	return
}
