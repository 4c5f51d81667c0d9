package ecmd

import (
	"errors"

	"gopkg.in/tomb.v2"
)

// Multiplexer shares one Commander among several goroutine clients. Each
// client obtains its own channel-backed Commander; the multiplexer fires
// the underlying Cycle once all clients with open commands are cycling.
// The protocol engine itself is single threaded, this adapter exists for
// hosts that want to run acyclic tooling next to the cyclic loop.
type Multiplexer struct {
	c Commander

	reqchan chan interface{}
	tomb    tomb.Tomb

	chans []*muxChanControlBlock

	cyclepending  bool
	cycleRespChan chan error
}

func NewMultiplexer(c Commander) (m *Multiplexer, err error) {
	m = &Multiplexer{
		c:       c,
		reqchan: make(chan interface{}),
	}

	m.tomb.Go(m.loop)
	return
}

func (m *Multiplexer) loop() error {
	for {
		if m.cyclepending {
			allcycling := true
			for _, cb := range m.chans {
				if cb.commandsOpen && !cb.cycling {
					allcycling = false
					break
				}
			}

			if allcycling {
				err := m.c.Cycle()

				for _, cb := range m.chans {
					if cb.cycling {
						cb.cyclingChan.responseChan <- err
					}
					cb.cycling = false
					cb.commandsOpen = false
				}

				m.cyclepending = false
				m.cycleRespChan <- err
				m.cycleRespChan = nil
			}
		}

		select {
		case req := <-m.reqchan:
			switch req := req.(type) {
			case muxChanNew:
				ec, err := m.c.New(req.datalen)
				req.responseChan <- muxChanNewResponse{ec, err}
				m.getCB(req.muxChannel).commandsOpen = true

			case muxChanCycle:
				cb := m.getCB(req.muxChannel)
				if cb.cycling {
					req.responseChan <- errors.New("ecmd: concurrent Cycle() pending on this mux channel")
					continue
				}

				cb.cycling = true
				cb.cyclingChan = cyclingChan{req.muxChannel, req.responseChan}

			case muxCycle:
				if m.cycleRespChan != nil {
					req.responseChan <- errors.New("ecmd: concurrent Cycle() on this multiplexer")
					continue
				}
				m.cyclepending = true
				m.cycleRespChan = req.responseChan

			case openCommander:
				c := &muxChannel{
					mux:             m,
					newResponseChan: make(chan muxChanNewResponse),
					errResponseChan: make(chan error),
				}

				m.chans = append(m.chans, &muxChanControlBlock{muxChannel: c})

				req.responseChan <- openCommanderResponse{c, nil}
			}
		case <-m.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

func (m *Multiplexer) getCB(mc *muxChannel) *muxChanControlBlock {
	for _, cb := range m.chans {
		if cb.muxChannel == mc {
			return cb
		}
	}
	panic("ecmd: missing mux chan control block")
}

// OpenCommander hands out a new channel-backed Commander.
func (m *Multiplexer) OpenCommander() (Commander, error) {
	req := openCommander{make(chan openCommanderResponse)}
	m.reqchan <- req
	resp := <-req.responseChan
	return resp.Commander, resp.error
}

// Cycle runs the shared underlying cycle once every channel with open
// commands has committed to it.
func (m *Multiplexer) Cycle() error {
	req := muxCycle{make(chan error)}
	m.reqchan <- req
	return <-req.responseChan
}

// Close tears down the multiplexer loop.
func (m *Multiplexer) Close() error {
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}

type muxChanControlBlock struct {
	*muxChannel
	cyclingChan  cyclingChan
	commandsOpen bool
	cycling      bool
}

// muxChannel is a cycle bound channel view of the shared Commander.
type muxChannel struct {
	mux             *Multiplexer
	newResponseChan chan muxChanNewResponse
	errResponseChan chan error
}

func (mc *muxChannel) New(datalen int) (*ExecutingCommand, error) {
	mc.mux.reqchan <- muxChanNew{mc, datalen, mc.newResponseChan}
	resp := <-mc.newResponseChan
	return resp.ExecutingCommand, resp.error
}

func (mc *muxChannel) Cycle() error {
	mc.mux.reqchan <- muxChanCycle{mc, mc.errResponseChan}
	return <-mc.errResponseChan
}

func (mc *muxChannel) Close() error {
	return nil
}

type muxChanNew struct {
	*muxChannel
	datalen      int
	responseChan chan muxChanNewResponse
}

type muxChanNewResponse struct {
	*ExecutingCommand
	error
}

type muxChanCycle struct {
	*muxChannel
	responseChan chan error
}

type muxCycle struct {
	responseChan chan error
}

type openCommander struct {
	responseChan chan openCommanderResponse
}

type openCommanderResponse struct {
	Commander
	error
}

type cyclingChan struct {
	*muxChannel
	responseChan chan error
}
