package output

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
)

// Null pulls samples in real time and discards them. It paces exactly like
// a sound card would, which makes it usable for headless runs and tests.
type Null struct {
	rate beep.SampleRate
	tick time.Duration

	mu    sync.Mutex
	mixer beep.Mixer
	buf   [][2]float64

	consumed atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewNull(rate beep.SampleRate, tick time.Duration) *Null {
	tick = defaultTick(tick)
	n := &Null{
		rate: rate,
		tick: tick,
		buf:  make([][2]float64, rate.N(tick)+1),
		done: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Null) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()

	// Samples are owed by wall-clock time so slow ticks do not drift.
	start := time.Now()
	var pulled int
	for {
		select {
		case <-n.done:
			return
		case now := <-ticker.C:
			owed := n.rate.N(now.Sub(start)) - pulled
			for owed > 0 {
				chunk := min(owed, len(n.buf))
				n.mu.Lock()
				n.mixer.Stream(n.buf[:chunk])
				n.mu.Unlock()
				owed -= chunk
				pulled += chunk
				n.consumed.Add(int64(chunk))
			}
		}
	}
}

func (n *Null) SampleRate() beep.SampleRate { return n.rate }

func (n *Null) Play(s beep.Streamer) {
	n.mu.Lock()
	n.mixer.Add(s)
	n.mu.Unlock()
}

func (n *Null) Clear() {
	n.mu.Lock()
	n.mixer.Clear()
	n.mu.Unlock()
}

func (n *Null) Lock() { n.mu.Lock() }

func (n *Null) Unlock() { n.mu.Unlock() }

// Consumed is the number of sample frames pulled so far.
func (n *Null) Consumed() int64 {
	return n.consumed.Load()
}

// Active is the number of streamers still playing.
func (n *Null) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mixer.Len()
}

func (n *Null) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.wg.Wait()
		n.Clear()
	})
	return nil
}
