package blockmap

import (
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"
)

// UI is the full-screen terminal view presenting the block map.
type UI struct {
	s        tcell.Screen
	stopChan chan struct{}
	once     sync.Once
	mu       sync.Mutex

	title        string
	summaryLines []string
	legendLines  []string
	statusLines  []string
	mapLines     []string
}

// NewUI creates the UI on the terminal.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewUIWithScreen(s)
}

// NewUIWithScreen creates the UI on the provided screen.
func NewUIWithScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, errors.WithStack(err)
	}
	s.DisableMouse()

	u := &UI{
		s:        s,
		stopChan: make(chan struct{}),
	}
	go u.eventLoop()
	return u, nil
}

// Close restores the terminal.
func (u *UI) Close() {
	u.RequestStop()

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}
	u.s.Fini()
	u.s = nil
}

// RequestStop signals that user wants to leave the view.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
	})
}

// IsStopped returns true if user requested to leave the view.
func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Wait blocks until user leaves the view or timeout elapses.
func (u *UI) Wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-u.stopChan:
	case <-timer.C:
	}
}

// SetTitle sets the title displayed at the top.
func (u *UI) SetTitle(title string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.title = title
}

// SetSummaryLines sets the lines displayed below the title.
func (u *UI) SetSummaryLines(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.summaryLines = append([]string(nil), lines...)
}

// SetLegend sets the lines describing the symbols of the map.
func (u *UI) SetLegend(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.legendLines = append([]string(nil), lines...)
}

// SetStatusLines sets the lines displayed at the bottom.
func (u *UI) SetStatusLines(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.statusLines = append([]string(nil), lines...)
}

// SetMap sets the rendered block map.
func (u *UI) SetMap(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.mapLines = append([]string(nil), lines...)
}

// MapWidth returns the number of symbols fitting in one line of the screen.
func (u *UI) MapWidth() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return 0
	}
	w, _ := u.s.Size()
	return w
}

// Draw redraws the screen.
func (u *UI) Draw() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}

	u.s.Clear()
	w, h := u.s.Size()
	y := 0

	if u.title != "" {
		putStr(u.s, 0, y, strings.Repeat("═", w), tcell.StyleDefault)
		putStr(u.s, max(0, (w-len([]rune(u.title)))/2), y, u.title, tcell.StyleDefault.Bold(true))
		y++
	}
	for _, line := range u.summaryLines {
		if y >= h {
			break
		}
		putStr(u.s, 0, y, line, tcell.StyleDefault)
		y++
	}
	for _, line := range u.legendLines {
		if y >= h {
			break
		}
		putStr(u.s, 0, y, line, tcell.StyleDefault)
		y++
	}

	// Room is left for the status block.
	rows := min(len(u.mapLines), max(1, h-y-len(u.statusLines)-1))
	for i := 0; i < rows && y < h; i++ {
		for x, r := range []rune(u.mapLines[i]) {
			if x >= w {
				break
			}
			u.s.SetContent(x, y, r, nil, symbolStyle(r))
		}
		y++
	}

	if len(u.statusLines) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
		putStr(u.s, 2, y, " Status ", tcell.StyleDefault)
		y++
		for _, line := range u.statusLines {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line, tcell.StyleDefault)
			y++
		}
	}

	u.s.Show()
}

func (u *UI) eventLoop() {
	u.mu.Lock()
	s := u.s
	u.mu.Unlock()

	for {
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case nil:
			// Screen has been finalized.
			return
		}
	}
}

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		if x+i >= w {
			break
		}
		s.SetContent(x+i, y, r, nil, style)
	}
}

func symbolStyle(r rune) tcell.Style {
	switch r {
	case UsedSymbol:
		return tcell.StyleDefault.Foreground(tcell.ColorBlue)
	case HeadSymbol:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen).Bold(true)
	case TailSymbol:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
	case BadSymbol:
		return tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	default:
		return tcell.StyleDefault
	}
}
