// Package archiveproto defines the wire record archived TCP events are
// marshalled into. The fields below carry the same protobuf struct tags a
// protoc-gen-go v1 output would, hand-written rather than regenerated with
// protoc, so github.com/golang/protobuf/proto and google.golang.org/protobuf
// marshal it through the legacy struct-tag reflection path rather than a
// generated descriptor.
package archiveproto

// Record is one archived TCP event: a state transition or a periodic
// snapshot of a connection's control block.
type Record struct {
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`

	ConnId     string `protobuf:"bytes,1,opt,name=conn_id,json=connId,proto3" json:"conn_id,omitempty"`
	TimestampNs int64  `protobuf:"varint,2,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	LocalAddr  string `protobuf:"bytes,3,opt,name=local_addr,json=localAddr,proto3" json:"local_addr,omitempty"`
	LocalPort  uint32 `protobuf:"varint,4,opt,name=local_port,json=localPort,proto3" json:"local_port,omitempty"`
	RemoteAddr string `protobuf:"bytes,5,opt,name=remote_addr,json=remoteAddr,proto3" json:"remote_addr,omitempty"`
	RemotePort uint32 `protobuf:"varint,6,opt,name=remote_port,json=remotePort,proto3" json:"remote_port,omitempty"`
	State      string `protobuf:"bytes,7,opt,name=state,proto3" json:"state,omitempty"`
	SndUna     uint32 `protobuf:"varint,8,opt,name=snd_una,json=sndUna,proto3" json:"snd_una,omitempty"`
	SndNxt     uint32 `protobuf:"varint,9,opt,name=snd_nxt,json=sndNxt,proto3" json:"snd_nxt,omitempty"`
	RcvNxt     uint32 `protobuf:"varint,10,opt,name=rcv_nxt,json=rcvNxt,proto3" json:"rcv_nxt,omitempty"`
	RtoMicros  int64  `protobuf:"varint,11,opt,name=rto_micros,json=rtoMicros,proto3" json:"rto_micros,omitempty"`
	Retransmits uint32 `protobuf:"varint,12,opt,name=retransmits,proto3" json:"retransmits,omitempty"`
}

func (r *Record) Reset()         { *r = Record{} }
func (r *Record) String() string { return "archiveproto.Record" }
func (*Record) ProtoMessage()    {}
