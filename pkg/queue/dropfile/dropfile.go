// Package dropfile implements the queue.Interface contract over a plain
// directory: one file per message, advisory exclusive locks for claim
// mutual exclusion, and a timestamp-prefixed filename for FIFO ordering.
package dropfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/jaymon-go/morp/pkg/codec"
	"github.com/jaymon-go/morp/pkg/connection"
	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
	"github.com/jaymon-go/morp/pkg/telemetry"
)

const pollInterval = 100 * time.Millisecond

// Engine implements queue.Interface over a filesystem drop directory. Root
// is the base directory; each queue gets its own subdirectory beneath it.
type Engine struct {
	root   string
	cfg    *connection.Config
	logger telemetry.Logger
	now    func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine rooted at root (typically cfg.Path from the parsed
// DSN).
func New(root string, cfg *connection.Config, opts ...Option) *Engine {
	e := &Engine{root: root, cfg: cfg, logger: telemetry.Nop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Connect(ctx context.Context) error {
	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "dropfile.connect", err)
	}
	return nil
}

func (e *Engine) Close(ctx context.Context) error { return nil }

func (e *Engine) queueDir(queueName string) string {
	return filepath.Join(e.root, queueName)
}

// dropfileName holds the three components a filename encodes.
type dropfileName struct {
	timestampNS int64
	id          string
	count       int
}

func (n dropfileName) String() string {
	return fmt.Sprintf("%020d-%s-%d.txt", n.timestampNS, n.id, n.count)
}

func parseDropfileName(name string) (dropfileName, bool) {
	base := strings.TrimSuffix(name, ".txt")
	if base == name {
		return dropfileName{}, false
	}
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return dropfileName{}, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return dropfileName{}, false
	}
	lastDash := strings.LastIndex(parts[1], "-")
	if lastDash < 0 {
		return dropfileName{}, false
	}
	id := parts[1][:lastDash]
	count, err := strconv.Atoi(parts[1][lastDash+1:])
	if err != nil {
		return dropfileName{}, false
	}
	return dropfileName{timestampNS: ts, id: id, count: count}, true
}

func (e *Engine) Send(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) (string, error) {
	dir := e.queueDir(queueName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", morperr.Wrap(morperr.KindTransient, "dropfile.send", err)
	}

	body, err := codec.Encode(toCodecFields(fields), e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		return "", morperr.Wrap(morperr.KindDecode, "dropfile.send", err)
	}

	id := uuid.NewString()
	validAt := e.now().Add(time.Duration(delaySeconds) * time.Second)
	name := dropfileName{timestampNS: validAt.UnixNano(), id: id, count: 1}
	path := filepath.Join(dir, name.String())

	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", morperr.Wrap(morperr.KindTransient, "dropfile.send", err)
	}
	return id, nil
}

func (e *Engine) Count(ctx context.Context, queueName string) (int, error) {
	entries, err := os.ReadDir(e.queueDir(queueName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, morperr.Wrap(morperr.KindTransient, "dropfile.count", err)
	}
	n := 0
	for _, de := range entries {
		if !de.IsDir() {
			n++
		}
	}
	return n, nil
}

// claimed is a held lock over one dropfile, threaded through _raw so
// Ack/Release can operate on the exact handle Recv claimed.
type claimed struct {
	path string
	file *os.File
	name dropfileName
}

func (e *Engine) Recv(ctx context.Context, queueName string, timeoutSeconds int) (queue.Fields, error) {
	dir := e.queueDir(queueName)
	deadline := e.now().Add(time.Duration(timeoutSeconds) * time.Second)

	for {
		fields, found, err := e.tryClaimOne(dir)
		if err != nil {
			return nil, morperr.Wrap(morperr.KindTransient, "dropfile.recv", err)
		}
		if found {
			return fields, nil
		}
		if timeoutSeconds <= 0 || e.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (e *Engine) tryClaimOne(dir string) (queue.Fields, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if !de.IsDir() {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)

	now := e.now()
	for _, n := range names {
		parsed, ok := parseDropfileName(n)
		if !ok {
			continue
		}
		if parsed.timestampNS > now.UnixNano() {
			continue
		}
		path := filepath.Join(dir, n)
		fields, ok, err := e.tryClaimFile(path, parsed)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, false, err
		}
		if ok {
			return fields, true, nil
		}
	}
	return nil, false, nil
}

func (e *Engine) tryClaimFile(path string, name dropfileName) (queue.Fields, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, false, nil
		}
		return nil, false, err
	}

	body, err := os.ReadFile(path)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, false, err
	}
	if len(body) == 0 {
		// Another consumer already truncated this file as its taken
		// marker; we just raced it for the lock after it released.
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, false, nil
	}

	decoded, err := codec.Decode(body, e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, false, morperr.Wrap(morperr.KindDecode, "dropfile.recv", err)
	}

	fields := fromCodecFields(decoded)
	fields[queue.MetaID] = name.id
	fields[queue.MetaCount] = name.count
	fields[queue.MetaRaw] = &claimed{path: path, file: f, name: name}
	return fields, true, nil
}

func resolveClaim(fields queue.Fields) (*claimed, error) {
	c, ok := fields[queue.MetaRaw].(*claimed)
	if !ok || c == nil {
		return nil, fmt.Errorf("fields missing held dropfile lock; release/ack must use the value returned by Recv")
	}
	return c, nil
}

func (e *Engine) Ack(ctx context.Context, queueName string, fields queue.Fields) error {
	c, err := resolveClaim(fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "dropfile.ack", err)
	}
	defer c.file.Close()
	if err := c.file.Truncate(0); err != nil {
		unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
		return morperr.Wrap(morperr.KindTransient, "dropfile.ack", err)
	}
	unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return morperr.Wrap(morperr.KindTransient, "dropfile.ack", err)
	}
	return nil
}

func (e *Engine) Release(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) error {
	c, err := resolveClaim(fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "dropfile.release", err)
	}

	if delaySeconds == 0 {
		if fields.Count() > 0 {
			delaySeconds = queue.Backoff(e.cfg, fields.Count())
		}
	}

	if delaySeconds == 0 {
		defer c.file.Close()
		unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
		return nil
	}

	body, err := os.ReadFile(c.path)
	if err != nil {
		c.file.Close()
		return morperr.Wrap(morperr.KindTransient, "dropfile.release", err)
	}

	newName := dropfileName{
		timestampNS: e.now().Add(time.Duration(delaySeconds) * time.Second).UnixNano(),
		id:          c.name.id,
		count:       c.name.count + 1,
	}
	newPath := filepath.Join(filepath.Dir(c.path), newName.String())
	if err := os.WriteFile(newPath, body, 0o644); err != nil {
		c.file.Close()
		return morperr.Wrap(morperr.KindTransient, "dropfile.release", err)
	}

	defer c.file.Close()
	if err := c.file.Truncate(0); err != nil {
		unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
		return morperr.Wrap(morperr.KindTransient, "dropfile.release", err)
	}
	unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return morperr.Wrap(morperr.KindTransient, "dropfile.release", err)
	}
	return nil
}

func (e *Engine) UnsafeClear(ctx context.Context, queueName string) error {
	dir := e.queueDir(queueName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return morperr.Wrap(morperr.KindTransient, "dropfile.unsafe_clear", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(dir, de.Name()))
	}
	return nil
}

func (e *Engine) UnsafeDelete(ctx context.Context, queueName string) error {
	if err := os.RemoveAll(e.queueDir(queueName)); err != nil {
		return morperr.Wrap(morperr.KindTransient, "dropfile.unsafe_delete", err)
	}
	return nil
}

func toCodecFields(f queue.Fields) codec.Fields {
	out := make(codec.Fields, len(f))
	for k, v := range f {
		if strings.HasPrefix(k, "_") && k != queue.MetaClasspath {
			continue
		}
		out[k] = v
	}
	return out
}

func fromCodecFields(f codec.Fields) queue.Fields {
	out := make(queue.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

var _ queue.Interface = (*Engine)(nil)
