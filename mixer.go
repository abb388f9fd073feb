package main

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MixMessage is one unit moving through the mix stage. Dummy messages are
// flagged internally but indistinguishable on the wire.
type MixMessage struct {
	Data  []byte
	Dummy bool
}

// MixNode batches inbound ciphertexts and releases them in a random
// permutation, so output order carries no information about input order
// once at least two messages share a batch.
type MixNode struct {
	cfg MixConfig
	out chan MixMessage

	mu    sync.Mutex
	batch []MixMessage
	timer *time.Timer

	onRelease func(batchSize int)
}

// SetReleaseHook observes batch releases (metrics wiring).
func (m *MixNode) SetReleaseHook(fn func(batchSize int)) { m.onRelease = fn }

func NewMixNode(cfg MixConfig) *MixNode {
	return &MixNode{
		cfg: cfg,
		out: make(chan MixMessage, cfg.BatchSize*4),
	}
}

// Output is the stream of released (shuffled) messages.
func (m *MixNode) Output() <-chan MixMessage { return m.out }

// Enqueue adds a message to the pending batch. The batch is released when
// it reaches BatchSize or when BatchTimeout elapses, whichever is first.
func (m *MixNode) Enqueue(msg MixMessage) {
	m.mu.Lock()
	m.batch = append(m.batch, msg)
	if len(m.batch) >= m.cfg.BatchSize {
		batch := m.takeBatchLocked()
		m.mu.Unlock()
		m.release(batch)
		return
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(m.cfg.BatchTimeout, m.flush)
	}
	m.mu.Unlock()
}

func (m *MixNode) flush() {
	m.mu.Lock()
	batch := m.takeBatchLocked()
	m.mu.Unlock()
	m.release(batch)
}

func (m *MixNode) takeBatchLocked() []MixMessage {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	batch := m.batch
	m.batch = nil
	return batch
}

// release shuffles with a crypto-rand Fisher-Yates and pushes downstream.
func (m *MixNode) release(batch []MixMessage) {
	if len(batch) == 0 {
		return
	}
	if m.onRelease != nil {
		m.onRelease(len(batch))
	}
	for i := len(batch) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		batch[i], batch[j.Int64()] = batch[j.Int64()], batch[i]
	}
	for _, msg := range batch {
		select {
		case m.out <- msg:
		default:
			logrus.Warnf("[mix] output backlogged, dropping message")
		}
	}
}

// PendingCount reports the messages waiting in the current batch.
func (m *MixNode) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batch)
}

// TrafficShaper applies the metadata-protection policy: size
// normalisation, random timing delay and Poisson dummy traffic.
type TrafficShaper struct {
	cfg OnionConfig
}

func NewTrafficShaper(cfg OnionConfig) *TrafficShaper {
	return &TrafficShaper{cfg: cfg}
}

// randInt returns a uniform value in [0, n) from crypto/rand.
func randInt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}

// randFloat returns a uniform value in [0, 1).
func randFloat() float64 {
	return float64(randInt(1 << 52)) / float64(int64(1)<<52)
}

// TimingDelay samples the per-message send delay uniformly from
// [0, timing_variance].
func (t *TrafficShaper) TimingDelay() time.Duration {
	if t.cfg.TimingVariance <= 0 {
		return 0
	}
	return time.Duration(randInt(int64(t.cfg.TimingVariance) + 1))
}

// NormalizeSize pads undersized messages to MinSize and chunks oversized
// ones at MaxSize. With PaddingProbability, extra padding is added to
// already-normalised messages.
func (t *TrafficShaper) NormalizeSize(msg []byte) [][]byte {
	maxBody := t.cfg.MaxSize - 4 // room for the length prefix
	if maxBody <= 0 {
		maxBody = len(msg)
	}

	var chunks [][]byte
	for off := 0; ; off += maxBody {
		end := off + maxBody
		last := false
		if end >= len(msg) {
			end = len(msg)
			last = true
		}
		chunk := padPayload(msg[off:end], t.cfg.MinSize)
		if t.cfg.PaddingProbability > 0 && randFloat() < t.cfg.PaddingProbability {
			extra := t.cfg.MinSize
			if extra == 0 {
				extra = 256
			}
			chunk = append(chunk, make([]byte, int(randInt(int64(extra)))+1)...)
		}
		chunks = append(chunks, chunk)
		if last {
			break
		}
	}
	return chunks
}

// RunDummyTraffic emits dummy messages at Poisson rate DummyTrafficRate
// until the context ends. Dummies are random bytes at the padded floor
// size, so they are indistinguishable from real traffic at layer
// boundaries.
func (t *TrafficShaper) RunDummyTraffic(ctx context.Context, sink func(MixMessage)) {
	if t.cfg.DummyTrafficRate <= 0 {
		return
	}
	for {
		// Exponential inter-arrival for a Poisson process.
		u := randFloat()
		if u <= 0 {
			u = 1e-9
		}
		wait := time.Duration(-math.Log(u) / t.cfg.DummyTrafficRate * float64(time.Second))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		size := t.cfg.PaddingSize
		if size <= 0 {
			size = 1024
		}
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			continue
		}
		sink(MixMessage{Data: data, Dummy: true})
	}
}
