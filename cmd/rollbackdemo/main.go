// Command rollbackdemo is a terminal dashboard for watching rollback
// netcode run in real time: two sessions of examples/platformer, connected
// over an in-memory link with injected jitter, ticking side by side while a
// tcell screen renders each side's live NetworkStats. Grounded on
// internal/render/tcell.go's Init/poll-loop/setCell shape, generalized from
// rendering game sprites to rendering connection-quality bars.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/andersfylling/rollback"
	"github.com/andersfylling/rollback/examples/platformer"
	"github.com/andersfylling/rollback/internal/frame"
	"github.com/andersfylling/rollback/transport"
)

func main() {
	minLatency := flag.Duration("latency", 20*time.Millisecond, "simulated one-way link latency")
	jitter := flag.Duration("jitter", 10*time.Millisecond, "simulated link jitter")
	lossPct := flag.Int("loss", 0, "simulated packet loss percentage (0-100)")
	flag.Parse()

	linkCfg := transport.LinkConfig{
		Latency:     *minLatency,
		Jitter:      *jitter,
		LossPercent: *lossPct,
	}
	ta, tb := transport.NewMemoryLink(linkCfg, linkCfg)

	dash, err := newDashboard()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollbackdemo:", err)
		os.Exit(1)
	}
	defer dash.Close()

	sideA := newSide("A", ta)
	sideB := newSide("B", tb)

	quit := make(chan struct{})
	go dash.pollQuit(quit)

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	frameNum := 0
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			frameNum++
			sideA.tick(frameNum)
			sideB.tick(frameNum)
			dash.render(sideA, sideB)
		}
	}
}

// side bundles one end of the demo link: a session, its platformer
// simulation, and the local/remote handles, mirroring how cmd/rayserver's
// (never-finished) tick loop was meant to own one world per connection.
type side struct {
	name    string
	session *rollback.Session
	sim     *platformer.Simulation
	local   rollback.PlayerHandle
}

func newSide(name string, peer transport.Peer) *side {
	s := &side{name: name}
	s.session = rollback.NewSession(s, 2, 1)
	s.sim = platformer.NewSimulation(s.session, 2)

	local, err := s.session.AddPlayer(rollback.Player{Kind: rollback.PlayerLocal})
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollbackdemo: add local player:", err)
		os.Exit(1)
	}
	s.local = local
	if _, err := s.session.AddPlayer(rollback.Player{Kind: rollback.PlayerRemote, Peer: peer}); err != nil {
		fmt.Fprintln(os.Stderr, "rollbackdemo: add remote player:", err)
		os.Exit(1)
	}
	s.session.SetFrameDelay(local, 2)
	return s
}

// SaveState, LoadState, AdvanceFrame and HandleEvent implement
// rollback.SessionCallbacks by delegating to the wrapped Simulation; side
// itself only exists to also carry the demo-specific scripted input.
func (s *side) SaveState(f frame.Frame) interface{} { return s.sim.SaveState(f) }
func (s *side) LoadState(state interface{})         { s.sim.LoadState(state) }
func (s *side) AdvanceFrame()                       { s.sim.AdvanceFrame() }
func (s *side) HandleEvent(ev rollback.Event)       {}

// tick drives this side's local input (a scripted walk cycle, since the
// dashboard's point is the network stats, not player skill) and advances
// its session by one frame.
func (s *side) tick(frameNum int) {
	var intent platformer.Intent
	switch (frameNum / 30) % 4 {
	case 0:
		intent = platformer.IntentRight
	case 1:
		intent = platformer.IntentRight | platformer.IntentJump
	case 2:
		intent = platformer.IntentLeft
	case 3:
		intent = platformer.IntentLeft | platformer.IntentJump
	}
	if err := s.session.AddLocalInput(s.local, intent.Encode()); err != nil {
		s.session.Idle()
		return
	}
	_ = s.session.IncrementFrame()
}

// dashboard is the tcell-backed renderer. It owns nothing about the
// simulation; it only ever reads NetworkStats and FrameCount through the
// side it is handed each render call.
type dashboard struct {
	screen tcell.Screen
}

func newDashboard() (*dashboard, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := screen.Init(); err != nil {
		return nil, err
	}
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	screen.Clear()
	return &dashboard{screen: screen}, nil
}

func (d *dashboard) Close() { d.screen.Fini() }

func (d *dashboard) pollQuit(quit chan struct{}) {
	for {
		ev := d.screen.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
				close(quit)
				return
			}
		case *tcell.EventResize:
			d.screen.Sync()
		case nil:
			return
		}
	}
}

func (d *dashboard) render(a, b *side) {
	d.screen.Clear()
	d.text(0, 0, "rollback netcode dashboard  (q / esc to quit)", tcell.ColorWhite)
	d.renderSide(0, a)
	d.renderSide(12, b)
	d.screen.Show()
}

func (d *dashboard) renderSide(row int, s *side) {
	d.text(0, row+1, fmt.Sprintf("-- side %s --", s.name), tcell.ColorAqua)

	stats, err := s.session.GetNetworkStats(rollback.PlayerHandle(1 - int(s.local)))
	if err != nil {
		// The remote handle is whichever queue isn't s.local; with only two
		// queues that is always index 1-local, but guard anyway since
		// GetNetworkStats errors for an out-of-range or unset queue.
		d.text(0, row+2, "remote stats unavailable: "+err.Error(), tcell.ColorRed)
		return
	}

	d.bar(row+2, "ping   ", stats.Ping.Milliseconds(), 200)
	d.bar(row+3, "behind ", int64(stats.LocalFramesBehind), 20)
	d.bar(row+4, "sendq  ", int64(stats.SendQueueLen), 60)
	d.bar(row+5, "recvq  ", int64(stats.RecvQueueLen), 60)
	d.text(0, row+6, fmt.Sprintf("kbps sent: %.1f", stats.KbpsSent), tcell.ColorWhite)
}

// bar draws a label and a heat-mapped gauge: green at 0, red at max,
// interpolated through go-colorful's perceptually even HCL space so the
// midpoint doesn't wash out to a muddy brown the way naive RGB lerp would.
func (d *dashboard) bar(row int, label string, value, max int64) {
	d.text(0, row, label, tcell.ColorWhite)
	if max <= 0 {
		max = 1
	}
	frac := float64(value) / float64(max)
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	good := colorful.Hcl(140, 0.7, 0.6)
	bad := colorful.Hcl(30, 0.9, 0.5)
	c := good.BlendHcl(bad, frac)

	const width = 30
	filled := int(frac * width)
	x := len(label)
	for i := 0; i < width; i++ {
		ch := ' '
		if i < filled {
			ch = '#'
		}
		d.setCell(x+i, row, ch, c)
	}
	d.text(x+width+1, row, fmt.Sprintf("%d", value), tcell.ColorWhite)
}

func (d *dashboard) text(x, y int, s string, color tcell.Color) {
	style := tcell.StyleDefault.Foreground(color).Background(tcell.ColorBlack)
	for i, r := range s {
		d.screen.SetContent(x+i, y, r, nil, style)
	}
}

func (d *dashboard) setCell(x, y int, ch rune, c colorful.Color) {
	r, g, b := c.RGB255()
	style := tcell.StyleDefault.Foreground(tcell.NewRGBColor(int32(r), int32(g), int32(b))).Background(tcell.ColorBlack)
	d.screen.SetContent(x, y, ch, nil, style)
}
