package edm

import "bytes"

// Decoder reassembles EDM frames from an arbitrarily chunked byte stream.
// Partial frames are retained across Write calls, so splitting the input at
// any boundary yields the same frame sequence as feeding it whole.
//
// A corrupt frame (declared length with no stop byte where one must be) is
// abandoned and the decoder resynchronizes at the next start byte. Corruption
// is never fatal to the stream.
//
// Decoder is not safe for concurrent use; the read loop owns it.
type Decoder struct {
	buf []byte
}

// Write appends raw bytes from the transport. It never fails; it implements
// io.Writer so the decoder can sit behind an io.Copy if wanted.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, if any. ok is false when the
// buffered bytes do not yet contain a complete frame.
func (d *Decoder) Next() (f Frame, ok bool) {
	for {
		start := bytes.IndexByte(d.buf, StartByte)
		if start < 0 {
			// Nothing frame-shaped buffered; drop the garbage.
			d.buf = d.buf[:0]
			return Frame{}, false
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}
		if len(d.buf) < headerLen+1 {
			return Frame{}, false
		}

		plen := (int(d.buf[1])<<8 | int(d.buf[2])) & sizeFilter
		if plen < 2 {
			// Length cannot even cover the identifier; the start byte
			// was payload of something else. Resync one byte on.
			d.buf = d.buf[1:]
			continue
		}
		total := plen + Overhead
		if len(d.buf) < total {
			return Frame{}, false
		}
		if d.buf[total-1] != StopByte {
			d.buf = d.buf[1:]
			continue
		}

		f.Type = Type(d.buf[4])
		payload := d.buf[headerLen : total-1]
		if hasChannel(f.Type) && len(payload) > 0 {
			f.Channel = payload[0]
			payload = payload[1:]
		}
		if len(payload) > 0 {
			f.Payload = append([]byte(nil), payload...)
		}
		d.buf = d.buf[total:]
		return f, true
	}
}

// Reset discards any buffered partial frame. Used when the link is known to
// have restarted mid-frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
