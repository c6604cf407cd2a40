// Package segment implements the segmentation engine: it decides segment
// boundaries on IDR video access units subject to a target duration and a
// size cap, drives the TS encoder into a fragment buffer, and maintains
// the timing metadata of each closed segment.
package segment

// Kind classifies an elementary stream.
type Kind int

// Stream kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

// Codec identifies the coding of one elementary stream.
type Codec int

// Supported codecs. AAC-with-ADTS is a distinct kind from AAC because its
// access units already carry an ADTS header that only needs a frame-length
// patch rather than full synthesis.
const (
	CodecH264 Codec = iota
	CodecAAC
	CodecAACWithADTS
)

// Descriptor describes one elementary stream accepted by the assembler.
type Descriptor struct {
	Index        int
	Kind         Kind
	Codec        Codec
	SampleRate   int
	ChannelCount int
}

// AccessUnit is one coded frame, with DTS already resolved (equal to PTS
// when the caller didn't supply one). Video payloads are Annex-B NAL
// units; audio payloads are raw AAC AUs or ADTS-framed AUs, per the
// stream's Codec.
type AccessUnit struct {
	StreamIndex int
	PTS         int64 // 90 kHz
	DTS         int64 // 90 kHz
	IDR         bool
	Payload     []byte
}
