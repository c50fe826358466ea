package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dgellow/tokenfront/internal/log"
)

const (
	// drainDebounce coalesces bursts of watcher events before reading
	drainDebounce = 50 * time.Millisecond

	// spoolSizeLimit triggers a best-effort truncation of fully drained spools
	spoolSizeLimit = 1 << 20
)

// Ensure FileBus implements Bus
var _ Bus = (*FileBus)(nil)

// FileBus relays messages between processes sharing a state directory.
// Messages are appended to a spool file as JSON lines; an fsnotify watcher
// on the directory picks up appends from any process. All delivery, local
// and remote, flows through the drain path, so each subscriber sees each
// foreign message exactly once and never its own.
type FileBus struct {
	path    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	subs   map[int]memorySub
	nextID int
	offset int64
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewFileBus opens (creating if needed) the spool file and starts watching
// it. Existing spool content is skipped: only messages published after the
// bus opens are delivered.
func NewFileBus(path string) (*FileBus, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating bus directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening bus spool: %w", err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("opening bus spool: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating bus watcher: %w", err)
	}
	// Watch the directory, not the file: append-rename patterns and editors
	// replacing the file would silently detach a file watch
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching bus directory: %w", err)
	}

	b := &FileBus{
		path:    path,
		watcher: watcher,
		subs:    make(map[int]memorySub),
		offset:  info.Size(),
		stop:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.watch()

	return b, nil
}

func (b *FileBus) Publish(sender string, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	line, err := encodeMessage(sender, msg, time.Now())
	if err != nil {
		return err
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening bus spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to bus spool: %w", err)
	}
	return nil
}

func (b *FileBus) Subscribe(sender string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = memorySub{sender: sender, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *FileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	err := b.watcher.Close()
	b.wg.Wait()
	return err
}

// watch debounces filesystem events into drain calls
func (b *FileBus) watch() {
	defer b.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Reset(drainDebounce)
			} else {
				timer = time.NewTimer(drainDebounce)
				fire = timer.C
			}

		case <-fire:
			timer = nil
			fire = nil
			b.drain()

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.LogWarnWithFields("bus", "Watcher error", map[string]any{
				"error": err.Error(),
			})

		case <-b.stop:
			return
		}
	}
}

// drain reads spool lines past the last offset and delivers them to local
// subscribers, filtering each subscriber's own messages
func (b *FileBus) drain() {
	b.mu.Lock()
	offset := b.offset
	b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	read := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		read += int64(len(line)) + 1

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.LogWarnWithFields("bus", "Dropping malformed spool line", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		msg, err := decodeMessage(env)
		if err != nil {
			log.LogWarnWithFields("bus", "Dropping undecodable message", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		b.mu.Lock()
		handlers := make([]Handler, 0, len(b.subs))
		for _, sub := range b.subs {
			if sub.sender != env.Sender {
				handlers = append(handlers, sub.handler)
			}
		}
		b.mu.Unlock()

		for _, handler := range handlers {
			handler(msg)
		}
	}

	b.mu.Lock()
	b.offset = read
	b.mu.Unlock()

	b.maybeTruncate(read)
}

// maybeTruncate resets a fully drained spool that has grown past the size
// limit. Best effort: a concurrent writer may lose a message here, which
// receivers tolerate since every broadcast is advisory.
func (b *FileBus) maybeTruncate(drainedTo int64) {
	if drainedTo < spoolSizeLimit {
		return
	}
	info, err := os.Stat(b.path)
	if err != nil || info.Size() != drainedTo {
		return
	}
	if err := os.Truncate(b.path, 0); err != nil {
		return
	}
	b.mu.Lock()
	b.offset = 0
	b.mu.Unlock()
}
