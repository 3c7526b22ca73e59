// Package bridge couples one PTY to one data-channel client: it pumps PTY
// output into Output frames (subject to pause/resume backpressure), applies
// Input/Resize/Pause/Resume/SnapshotRequest frames from the relay, and
// tracks screen state in a VT emulator for snapshotting.
package bridge

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hinshun/vt10x"
	"github.com/rs/zerolog/log"

	"github.com/saurabhdas/pair-claudeing/internal/datachan"
	"github.com/saurabhdas/pair-claudeing/internal/ptyio"
	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

const exitPollInterval = 200 * time.Millisecond

// Outcome is the reason Run returned.
type Outcome int

const (
	// Exited means the child process died; Result.ExitCode is set.
	Exited Outcome = iota
	// Disconnected means the data channel dropped while the child is
	// still alive.
	Disconnected
	// Failed means a fatal, non-recoverable I/O error occurred.
	Failed
)

// Result is the bridge's return contract: exactly one of exited(code),
// disconnected, or error.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
}

// Bridge is the per-terminal byte pump.
type Bridge struct {
	pty *ptyio.Handle
	dc  *datachan.Client
	vt  vt10x.Terminal

	cols, rows uint16

	paused  bool
	backlog [][]byte

	ptyOutput <-chan []byte
}

// New constructs a bridge for an already-spawned PTY and an already-dialed
// data channel. It starts the PTY reader immediately and initializes a VT
// emulator at cols x rows with no scrollback.
func New(pty *ptyio.Handle, dc *datachan.Client, cols, rows uint16) (*Bridge, error) {
	out, err := pty.StartReader()
	if err != nil {
		return nil, fmt.Errorf("bridge: start pty reader: %w", err)
	}
	return &Bridge{
		pty:       pty,
		dc:        dc,
		vt:        vt10x.New(vt10x.WithSize(int(cols), int(rows))),
		cols:      cols,
		rows:      rows,
		ptyOutput: out,
	}, nil
}

// Rebind swaps in a new data channel after a reconnect, preserving the VT
// emulator, backlog, and paused state so the terminal's screen history
// survives the gap. The caller is responsible for closing the old channel.
func (b *Bridge) Rebind(dc *datachan.Client) {
	b.dc = dc
}

// Run is the bridge's single cooperative event loop. It blocks until the
// child exits, the data channel disconnects, or a fatal error occurs.
func (b *Bridge) Run() Result {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	ptyOutput := b.ptyOutput
	for {
		select {
		case chunk, ok := <-ptyOutput:
			if !ok {
				// PTY reader ended (EOF or read error); the next exit poll
				// below will observe the child's status.
				ptyOutput = nil
				break
			}
			if res, done := b.handlePTYChunk(chunk); done {
				return res
			}

		case frame, ok := <-b.dc.Inbound():
			if !ok {
				return Result{Outcome: Disconnected}
			}
			b.applyRelayFrame(frame)

		case <-ticker.C:
		}

		if res, done := b.checkExit(); done {
			return res
		}
	}
}

// handlePTYChunk feeds a PTY output chunk to the VT emulator, then either
// buffers it (paused) or forwards it as an Output frame.
func (b *Bridge) handlePTYChunk(chunk []byte) (Result, bool) {
	b.vt.Write(chunk)

	if b.paused {
		b.backlog = append(b.backlog, chunk)
		log.Debug().Int("backlogChunks", len(b.backlog)).Msg("bridge: buffering output while paused")
		return Result{}, false
	}

	if !b.dc.Send(wire.OutputFrame{Data: chunk}) {
		return Result{Outcome: Disconnected}, true
	}
	return Result{}, false
}

func (b *Bridge) applyRelayFrame(frame wire.RelayFrame) {
	switch f := frame.(type) {
	case wire.InputFrame:
		if err := b.pty.Write(f.Data); err != nil {
			log.Debug().Err(err).Msg("bridge: pty write failed, child may already be gone")
		}

	case wire.ResizeFrame:
		b.cols, b.rows = f.Cols, f.Rows
		if err := b.pty.Resize(f.Cols, f.Rows); err != nil {
			log.Warn().Err(err).Msg("bridge: pty resize failed")
		}
		b.vt.Resize(int(f.Cols), int(f.Rows))

	case wire.PauseFrame:
		b.paused = true

	case wire.ResumeFrame:
		b.paused = false
		b.flushBacklog()

	case wire.SnapshotRequestFrame:
		b.sendSnapshot(f.RequestID)
	}
}

// flushBacklog drains buffered output in FIFO order. A send failure here
// means the link is already gone; the main loop's next inbound-channel
// check will observe the disconnect, so this just stops draining.
func (b *Bridge) flushBacklog() {
	backlog := b.backlog
	b.backlog = nil
	for _, chunk := range backlog {
		if !b.dc.Send(wire.OutputFrame{Data: chunk}) {
			return
		}
	}
}

// sendSnapshot does not disturb backlog or paused state.
func (b *Bridge) sendSnapshot(requestID string) {
	cursor := b.vt.Cursor()
	b.dc.Send(wire.SnapshotFrame{
		RequestID: requestID,
		Screen:    renderScreen(b.vt, int(b.cols), int(b.rows)),
		Cols:      b.cols,
		Rows:      b.rows,
		CursorX:   cursor.X,
		CursorY:   cursor.Y,
	})
}

// checkExit polls the child's wait status and, if it has exited, sends a
// best-effort Exit frame before returning the terminal result.
func (b *Bridge) checkExit() (Result, bool) {
	status := b.pty.TryWait()
	if !status.Exited {
		return Result{}, false
	}
	code := 1
	if status.Success {
		code = 0
	}
	b.dc.Send(wire.ExitFrame{Code: code})
	return Result{Outcome: Exited, ExitCode: code}, true
}

// renderScreen formats the emulator's current cell grid as text with
// embedded SGR escape sequences, reproducing foreground/background color
// and basic attributes cell by cell.
func renderScreen(vt vt10x.Terminal, cols, rows int) []byte {
	var buf bytes.Buffer
	var lastFG, lastBG vt10x.Color
	var lastMode int16
	first := true

	for row := 0; row < rows; row++ {
		if row > 0 {
			buf.WriteByte('\n')
		}
		for col := 0; col < cols; col++ {
			cell := vt.Cell(col, row)
			if first || cell.FG != lastFG || cell.BG != lastBG || cell.Mode != lastMode {
				buf.WriteString("\033[0m")
				writeSGR(&buf, cell.FG, cell.BG, cell.Mode)
				lastFG, lastBG, lastMode = cell.FG, cell.BG, cell.Mode
				first = false
			}
			if cell.Char == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(cell.Char)
			}
		}
	}
	buf.WriteString("\033[0m")
	return buf.Bytes()
}

func writeSGR(buf *bytes.Buffer, fg, bg vt10x.Color, mode int16) {
	const (
		attrBold      = 1 << 0
		attrUnderline = 1 << 1
		attrReverse   = 1 << 3
	)
	if mode&attrBold != 0 {
		buf.WriteString("\033[1m")
	}
	if mode&attrUnderline != 0 {
		buf.WriteString("\033[4m")
	}
	if mode&attrReverse != 0 {
		buf.WriteString("\033[7m")
	}
	if fg != vt10x.DefaultFG {
		writeColor(buf, fg, 30, 90, 38)
	}
	if bg != vt10x.DefaultBG {
		writeColor(buf, bg, 40, 100, 48)
	}
}

func writeColor(buf *bytes.Buffer, c vt10x.Color, base, bright, extended int) {
	switch {
	case c < 8:
		fmt.Fprintf(buf, "\033[%dm", base+int(c))
	case c < 16:
		fmt.Fprintf(buf, "\033[%dm", bright+int(c)-8)
	case c < 256:
		fmt.Fprintf(buf, "\033[%d;5;%dm", extended, int(c))
	default:
		r, g, b := (c>>16)&0xFF, (c>>8)&0xFF, c&0xFF
		fmt.Fprintf(buf, "\033[%d;2;%d;%d;%dm", extended, r, g, b)
	}
}
