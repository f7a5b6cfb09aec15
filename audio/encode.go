package audio

// MIMEType describes the wire format produced by EncodeFrame.
const MIMEType = "audio/pcm;rate=16000"

// EncodeFrame converts a frame of int16 samples to little-endian PCM bytes,
// the wire format the streaming endpoints accept. Stateless; each sample
// becomes two bytes.
func EncodeFrame(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, v := range frame {
		// little-endian
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
