package ecfr

import (
	"errors"
	"fmt"
)

const (
	FrameOverheadLen = 2
)

// Frame is an EtherCAT telegram mapped over a single buffer: the frame
// header followed by one or more datagrams. Frames are built in place and
// committed once per cycle; a received buffer is split back into datagrams
// by Overlay.
type Frame struct {
	Header    Header
	Datagrams []*Datagram

	buffer []byte
}

// Overlay decodes the frame in d, walking the datagram chain until the last
// indicator. It fails with ErrTruncatedFrame when the declared contents run
// past the buffer.
func (f *Frame) Overlay(d []byte) (b []byte, err error) {
	b, err = f.Header.Overlay(d)
	if err != nil {
		return
	}

	dgbl := f.Header.FrameLength()
	if int(dgbl) > len(b) {
		err = fmt.Errorf("%w: frame declares %d datagram bytes, only %d remain", ErrTruncatedFrame, dgbl, len(b))
		return
	}

	for {
		f.Datagrams = append(f.Datagrams, &Datagram{})
		i := len(f.Datagrams) - 1

		b, err = f.Datagrams[i].Overlay(b)
		if err != nil {
			if errors.Is(err, ErrMalformedDatagram) && !f.Datagrams[i].Command.IsValid() {
				// keep the malformed classification for bad command codes
				return
			}
			err = fmt.Errorf("%w: datagram %d: %v", ErrTruncatedFrame, i, err)
			return
		}

		if f.Datagrams[i].Last() {
			break
		}
	}

	f.buffer = d
	return
}

// PointFrameTo prepares an empty frame over d for assembly.
func PointFrameTo(d []byte) (f Frame, err error) {
	if len(d) < FrameOverheadLen {
		err = errors.New("ecfr: buffer too small to even contain frame header")
		return
	}

	d[0] = 0
	d[1] = 0
	_, err = f.Header.Overlay(d)
	if err != nil {
		return
	}

	f.buffer = d
	return
}

// Commit finalizes the frame length field and all datagrams and returns the
// wire image ready for transmission.
func (f *Frame) Commit() (d []byte, err error) {
	if len(f.Datagrams) == 0 {
		err = errors.New("ecfr: frame needs at least one datagram")
		return
	}

	clen := f.ByteLen()
	if clen > len(f.buffer) {
		err = fmt.Errorf("ecfr: datagrams too long for frame, need %d, have %d", clen, len(f.buffer))
		return
	}

	f.Header.setFrameLength(uint16(clen - FrameOverheadLen))

	var incbuf []byte
	totlen := 0

	incbuf, err = f.Header.Commit()
	if err != nil {
		return
	}
	totlen += len(incbuf)

	for _, dgram := range f.Datagrams {
		incbuf, err = dgram.Commit()
		if err != nil {
			return
		}
		totlen += len(incbuf)
	}

	d = f.buffer[0:totlen]
	return
}

func (f *Frame) ByteLen() int {
	clen := FrameOverheadLen
	for _, dgram := range f.Datagrams {
		clen += dgram.ByteLen()
	}
	return clen
}

// NewDatagram appends a datagram with datalen payload bytes, mapped onto the
// remaining frame buffer. It fails when the budget is exhausted; the caller
// keeps the leftover command for the next frame.
func (f *Frame) NewDatagram(datalen int) (*Datagram, error) {
	curlen := f.ByteLen()
	curfree := len(f.buffer) - curlen
	if datalen+DatagramOverheadLength > curfree {
		return nil, fmt.Errorf("ecfr: datagram of %d payload bytes does not fit %d free frame bytes", datalen, curfree)
	}

	dgram, err := PointDatagramTo(f.buffer[curlen:])
	if err != nil {
		return nil, err
	}

	if err := dgram.SetDataLen(datalen); err != nil {
		return nil, err
	}

	f.Datagrams = append(f.Datagrams, &dgram)
	return &dgram, nil
}

func (f *Frame) MultilineSummary() string {
	s := fmt.Sprintf("frame type %d len %d\n", f.Header.Type(), f.Header.FrameLength())
	for _, dg := range f.Datagrams {
		s += "  " + dg.Summary() + "\n"
	}
	return s
}
