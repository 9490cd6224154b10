package resample

import (
	"bufio"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
	"github.com/user/discord-scribe/internal/ogg"
)

const (
	// earlyExitWindow classifies a subprocess exit this soon after spawn as
	// a bad-binary/permissions signal rather than a legitimate short life.
	earlyExitWindow = 2 * time.Second

	// killGrace is how long a process gets after SIGTERM before SIGKILL.
	killGrace = 3 * time.Second

	// writeQueueDepth bounds buffered frames per process. When the queue is
	// full (the pipe is backpressured) incoming frames are dropped silently
	// rather than buffered without bound.
	writeQueueDepth = 64
)

// Process is one external resampling subprocess for one (session, speaker).
// It converts the wire codec to PCM the STT engines accept. Owned exclusively
// by the Registry; never shared between gates.
type Process struct {
	key       Key
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	muxer     *ogg.Muxer
	in        chan []byte
	createdAt time.Time

	idleTimeout time.Duration
	idleTimer   *time.Timer

	// onEarlyExit is invoked by the reaper when the process dies on its own
	// within the early-exit window. Fixed before the reaper starts; the
	// reaper reads it with no lock.
	onEarlyExit func()

	mu     sync.Mutex
	alive  bool
	killed bool

	exited chan struct{} // closed when the subprocess has been reaped
}

// startProcess spawns the resampler binary and wires its pipes. The caller
// (the registry) handles spawn-failure accounting; onEarlyExit reports a
// started process that dies inside the early-exit window.
func startProcess(key Key, path string, args []string, idleTimeout time.Duration, onEarlyExit func()) (*Process, error) {
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// The subprocess reads a container, not bare frames, so each frame is
	// re-wrapped through an inline muxer on the way into the pipe.
	muxer, err := ogg.NewMuxer(stdin)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	p := &Process{
		key:         key,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		muxer:       muxer,
		in:          make(chan []byte, writeQueueDepth),
		createdAt:   time.Now(),
		idleTimeout: idleTimeout,
		onEarlyExit: onEarlyExit,
		alive:       true,
		exited:      make(chan struct{}),
	}
	p.idleTimer = time.AfterFunc(idleTimeout, p.onIdle)

	go p.writeLoop()
	go p.filterStderr(stderr)
	go p.reap()

	return p, nil
}

// Write hands one encoded frame to the subprocess. While the pipe is
// backpressured the frame is dropped silently; writes resume when it drains.
// Writing to a dead process is a no-op.
func (p *Process) Write(frame []byte) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.idleTimer.Reset(p.idleTimeout)
	p.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case p.in <- cp:
	default:
		metrics.Default.FramesDropped.Inc()
	}
}

// PCM returns the subprocess stdout: raw s16le audio at the fixed target
// rate. Exactly one consumer may read it at a time.
func (p *Process) PCM() io.Reader {
	return p.stdout
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// CreatedAt returns the spawn time.
func (p *Process) CreatedAt() time.Time {
	return p.createdAt
}

// Kill terminates the subprocess: graceful signal first, hard kill if it has
// not exited after the grace period. Safe to call twice and safe to call on
// a process that already exited on its own.
func (p *Process) Kill(reason string) {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.alive = false
	p.idleTimer.Stop()
	p.mu.Unlock()

	metrics.Default.ResamplerKills.WithLabelValues(reason).Inc()
	log.Debug().
		Str("session_id", p.key.SessionID).
		Str("user_id", p.key.SpeakerID).
		Str("reason", reason).
		Msg("Killing resampler process")

	// Closing stdin lets a healthy process drain and exit on its own.
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already exited; the reaper will have closed p.exited.
		return
	}

	select {
	case <-p.exited:
	case <-time.After(killGrace):
		// Guard against the hard-kill racing an exit that just happened.
		select {
		case <-p.exited:
		default:
			_ = p.cmd.Process.Kill()
		}
	}
}

func (p *Process) writeLoop() {
	for {
		select {
		case frame := <-p.in:
			if err := p.muxer.WriteFrame(frame); err != nil {
				log.Debug().
					Err(err).
					Str("session_id", p.key.SessionID).
					Str("user_id", p.key.SpeakerID).
					Msg("Resampler pipe write failed")
				return
			}
		case <-p.exited:
			return
		}
	}
}

// filterStderr forwards only diagnostic lines that look like warnings or
// errors; everything else from the subprocess is noise.
func (p *Process) filterStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "warning") {
			log.Warn().
				Str("session_id", p.key.SessionID).
				Str("user_id", p.key.SpeakerID).
				Str("line", line).
				Msg("Resampler diagnostic")
		}
	}
}

// reap waits for the subprocess and flips liveness when it exits, however
// that happens.
func (p *Process) reap() {
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	wasKilled := p.killed
	p.alive = false
	p.idleTimer.Stop()
	p.mu.Unlock()

	if !wasKilled {
		lifetime := time.Since(p.createdAt)
		log.Warn().
			Err(err).
			Str("session_id", p.key.SessionID).
			Str("user_id", p.key.SpeakerID).
			Dur("lifetime", lifetime).
			Msg("Resampler process exited unexpectedly")
		if lifetime < earlyExitWindow && p.onEarlyExit != nil {
			p.onEarlyExit()
		}
	}
}

// onIdle fires when the process has received no writes for the idle timeout.
// This is a safety net for desynchronized leave detection, not the primary
// cleanup path.
func (p *Process) onIdle() {
	log.Warn().
		Str("session_id", p.key.SessionID).
		Str("user_id", p.key.SpeakerID).
		Dur("idle_timeout", p.idleTimeout).
		Msg("Resampler idle watchdog fired")
	p.Kill("idle")
}
