// Package isibox is the merge point for the IsiBox auxiliary counter
// unit: one TCP reader goroutine per channel feeding a shared,
// mutex-guarded accumulator, tagged so its values interleave with the
// main detector stream's scan index space (§4.2, §9 IsiBox scope:
// "the Go side only needs the merge point").
package isibox

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// Channels is the number of IsiBox TDC input lines (tdclib.rs's
// isi_box::CHANNELS). SPEC_FULL.md gives no channel count; the 17 here
// is taken from the original isi_box module and sets the per-channel
// socket fan-out (see DESIGN.md).
const Channels = 17

// PixelStride is SPIM_PIXELS, the tag multiplier that places IsiBox
// values past the detector's own channel range.
const PixelStride = 1025

// tagValue reproduces transform_by_channel/as_int's tagging: the raw
// 32-bit counter value is shifted into IsiBox's own index band.
func tagValue(v uint32, channel uint32) uint32 {
	return v*PixelStride + PixelStride + channel
}

// Reader abstracts one IsiBox TCP channel connection for testability.
type Reader interface {
	Read(buf []byte) (int, error)
}

// SpimBox is the Vec<u32> variant (isi_box_new!(spim)): a growing,
// tagged value list drained wholesale by get_data.
type SpimBox struct {
	mu     sync.Mutex
	values []uint32
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewSpimBox() *SpimBox { return &SpimBox{stop: make(chan struct{})} }

// StartChannel spawns one reader goroutine for channel ci, draining r
// until Stop is called or r returns an error. ci counts down from
// Channels-1 in the original (channel_index decremented per spawn);
// callers should pass channels in that same descending order to match
// the original's channel-to-tag mapping.
func (b *SpimBox) StartChannel(r Reader, ci uint32) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, 512)
		for {
			select {
			case <-b.stop:
				return
			default:
			}
			n, err := r.Read(buf)
			if err != nil {
				if err == io.EOF {
					return
				}
				continue
			}
			words := n / 4
			if words == 0 {
				continue
			}
			tagged := make([]uint32, words)
			for i := 0; i < words; i++ {
				raw := binary.LittleEndian.Uint32(buf[i*4:])
				tagged[i] = tagValue(raw, ci)
			}
			b.mu.Lock()
			b.values = append(b.values, tagged...)
			b.mu.Unlock()
		}
	}()
}

// GetData drains and clears the accumulated tagged values.
func (b *SpimBox) GetData() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, len(b.values))
	copy(out, b.values)
	b.values = b.values[:0]
	return out
}

func (b *SpimBox) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// SpecBox is the [u32; CHANNELS] variant (isi_box_new!(spec)): a
// single reader accumulating per-channel running sums.
type SpecBox struct {
	mu      sync.Mutex
	counts  [Channels]uint32
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewSpecBox() *SpecBox { return &SpecBox{stop: make(chan struct{})} }

// Start spawns the single reader goroutine reading interleaved
// per-channel counter frames (one uint32 per channel per read, as the
// original's start_threads zips buffer words against the counts array).
func (b *SpecBox) Start(r Reader) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, 68)
		for {
			select {
			case <-b.stop:
				return
			default:
			}
			n, err := r.Read(buf)
			if err != nil {
				if err == io.EOF {
					return
				}
				continue
			}
			words := n / 4
			if words > Channels {
				words = Channels
			}
			b.mu.Lock()
			for i := 0; i < words; i++ {
				b.counts[i] += binary.LittleEndian.Uint32(buf[i*4:])
			}
			b.mu.Unlock()
		}
	}()
}

// GetData returns and resets the per-channel running sums.
func (b *SpecBox) GetData() [Channels]uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.counts
	b.counts = [Channels]uint32{}
	return out
}

func (b *SpecBox) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// DialChannels opens Channels TCP connections to the IsiBox address,
// following bind_and_connect's per-channel socket fan-out.
func DialChannels(addr string) ([]net.Conn, error) {
	conns := make([]net.Conn, 0, Channels)
	for i := 0; i < Channels; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			for _, open := range conns {
				open.Close()
			}
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}
