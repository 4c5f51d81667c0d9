package eccoe

import (
	"errors"
	"fmt"

	"github.com/andom9/ethercat/ecmbx"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
)

type op int

const (
	opNone op = iota
	opDownload
	opUpload
)

// Client runs SDO transfers over a mailbox exchange, one transfer at a
// time. A terminal outcome, success, abort or timeout, always leaves the
// mailbox free for the next request.
type Client struct {
	cfg *ecnet.Config
	x   *ecmbx.Exchange

	op       op
	index    uint16
	subindex uint8

	data []byte
	err  error
	done bool
}

func NewClient(cfg *ecnet.Config) *Client {
	return &Client{cfg: cfg, x: ecmbx.NewExchange(cfg)}
}

func (c *Client) Busy() bool {
	return c.op != opNone && !c.done
}

// Result reports the finished transfer. data is the uploaded value and nil
// for downloads.
func (c *Client) Result() (data []byte, err error, done bool) {
	if !c.done {
		return nil, nil, false
	}
	return c.data, c.err, true
}

// maxDownload is the largest value a single-frame normal download can
// carry to the slave.
func (c *Client) maxDownload(slave *ecnet.Slave) int {
	limit := c.cfg.MailboxPayloadMax
	if mbx := int(slave.MailboxOut.Length) - ecmbx.HeaderLen; mbx < limit {
		limit = mbx
	}
	return limit - HeaderLen - sdoHeaderLen - sdoDataLen
}

// StartDownload arms a write of data to the object at index:subindex.
// Values up to four bytes go expedited, larger ones as a normal transfer,
// still within a single frame.
func (c *Client) StartDownload(slave *ecnet.Slave, index uint16, subindex uint8, data []byte) error {
	if c.Busy() {
		return ecmbx.ErrMailboxBusy
	}
	if len(data) > c.maxDownload(slave) {
		return fmt.Errorf("%w: %d bytes to %#04x:%d", ErrTransferTooLarge, len(data), index, subindex)
	}

	init := sdoInitiate{
		Specifier:     specDownloadInit,
		SizeIndicator: true,
		Index:         index,
		Subindex:      subindex,
	}

	var payload []byte
	if len(data) <= sdoDataLen {
		init.Expedited = true
		init.DataSetSize = uint8(sdoDataLen - len(data))
		payload = make([]byte, HeaderLen+sdoHeaderLen+sdoDataLen)
		copy(payload[HeaderLen+sdoHeaderLen:], data)
	} else {
		payload = make([]byte, HeaderLen+sdoHeaderLen+sdoDataLen+len(data))
		putUint32(payload[HeaderLen+sdoHeaderLen:], uint32(len(data)))
		copy(payload[HeaderLen+sdoHeaderLen+sdoDataLen:], data)
	}
	Header{Service: ServiceSdoRequest}.encode(payload)
	init.encode(payload[HeaderLen:])

	if err := c.x.Start(slave, ecmbx.TypeCoE, payload); err != nil {
		return err
	}
	c.arm(opDownload, index, subindex)
	return nil
}

// StartUpload arms a read of the object at index:subindex.
func (c *Client) StartUpload(slave *ecnet.Slave, index uint16, subindex uint8) error {
	if c.Busy() {
		return ecmbx.ErrMailboxBusy
	}

	payload := make([]byte, HeaderLen+sdoHeaderLen+sdoDataLen)
	Header{Service: ServiceSdoRequest}.encode(payload)
	sdoInitiate{
		Specifier: specUploadInit,
		Index:     index,
		Subindex:  subindex,
	}.encode(payload[HeaderLen:])

	if err := c.x.Start(slave, ecmbx.TypeCoE, payload); err != nil {
		return err
	}
	c.arm(opUpload, index, subindex)
	return nil
}

func (c *Client) arm(o op, index uint16, subindex uint8) {
	c.op = o
	c.index = index
	c.subindex = subindex
	c.data = nil
	c.err = nil
	c.done = false
}

// Resend retransmits the request after a timeout, keeping the mailbox
// sequence count.
func (c *Client) Resend() error {
	if c.op == opNone {
		return errors.New("eccoe: nothing to resend")
	}
	if err := c.x.Resend(); err != nil {
		return err
	}
	c.err = nil
	c.done = false
	return nil
}

// Reset abandons the transfer.
func (c *Client) Reset() {
	c.x.Reset()
	c.op = opNone
	c.err = nil
	c.done = false
}

func (c *Client) Push(cm ecmd.Commander) error {
	if !c.Busy() {
		return nil
	}
	return c.x.Push(cm)
}

func (c *Client) Update() {
	if !c.Busy() {
		return
	}
	c.x.Update()

	_, payload, err, done := c.x.Result()
	if !done {
		return
	}
	if err != nil {
		c.finish(nil, err)
		return
	}
	c.finish(c.parse(payload))
}

func (c *Client) finish(data []byte, err error) {
	c.data = data
	c.err = err
	c.done = true
}

func (c *Client) parse(payload []byte) ([]byte, error) {
	if len(payload) < HeaderLen+sdoHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedResponse, len(payload))
	}

	hdr := decodeHeader(payload)
	if hdr.Service != ServiceSdoResponse {
		return nil, fmt.Errorf("%w: unexpected CoE service %v", ErrMalformedResponse, hdr.Service)
	}

	init := decodeSdoInitiate(payload[HeaderLen:])
	body := payload[HeaderLen+sdoHeaderLen:]

	if init.Specifier == specAbort {
		if len(body) < sdoDataLen {
			return nil, fmt.Errorf("%w: truncated abort", ErrMalformedResponse)
		}
		return nil, SdoAbortError{
			Index:    init.Index,
			Subindex: init.Subindex,
			Code:     AbortCode(getUint32(body)),
		}
	}

	switch c.op {
	case opDownload:
		if init.Specifier != specDownloadInitRes {
			return nil, fmt.Errorf("%w: specifier %d on a download", ErrMalformedResponse, init.Specifier)
		}
		return nil, nil

	case opUpload:
		if init.Specifier != specUploadInitRes {
			return nil, fmt.Errorf("%w: specifier %d on an upload", ErrMalformedResponse, init.Specifier)
		}
		if init.Expedited {
			n := sdoDataLen
			if init.SizeIndicator {
				n -= int(init.DataSetSize)
			}
			if len(body) < n {
				return nil, fmt.Errorf("%w: expedited body of %d bytes", ErrMalformedResponse, len(body))
			}
			return append([]byte(nil), body[:n]...), nil
		}

		if len(body) < sdoDataLen {
			return nil, fmt.Errorf("%w: normal transfer without size", ErrMalformedResponse)
		}
		size := int(getUint32(body))
		avail := body[sdoDataLen:]
		if size > len(avail) {
			// the slave wants to continue with upload segments
			return nil, fmt.Errorf("%w: %d bytes at %#04x:%d", ErrTransferTooLarge, size, c.index, c.subindex)
		}
		return append([]byte(nil), avail[:size]...), nil
	}

	return nil, fmt.Errorf("%w: no transfer in flight", ErrMalformedResponse)
}

func putUint32(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
