// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package aio

import (
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config configures a Pool.
type Config struct {
	// Workers is the number of goroutines performing reads.
	Workers int
	// QueueSize bounds the number of reads waiting per priority.
	QueueSize int
	// OpenFiles is how many files are kept open between reads.
	OpenFiles int
	// Opener opens files, MmapOpener when nil.
	Opener Opener
}

type fileHandle struct {
	path    string
	file    File
	media   MediaType
	refs    int
	evicted bool
}

// Pool is a Reader that performs reads on a fixed set of worker
// goroutines. It can also run arbitrary jobs on the same workers.
type Pool struct {
	log    logrus.FieldLogger
	opener Opener

	quit   chan struct{}
	wg     sync.WaitGroup
	tasks  chan func()
	urgent chan func()

	// closing guards sends into the queues against Close.
	closing sync.RWMutex
	closed  bool

	filesMu sync.Mutex
	files   *lru.Cache

	syncMu    sync.Mutex
	syncQueue []func()
}

// NewPool creates a Pool and starts its workers.
func NewPool(cfg Config, log logrus.FieldLogger) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, errors.Errorf("aio: %d workers requested", cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OpenFiles <= 0 {
		cfg.OpenFiles = 16
	}
	if cfg.Opener == nil {
		cfg.Opener = MmapOpener
	}

	p := &Pool{
		log:    log.WithField("component", "aio"),
		opener: cfg.Opener,
		quit:   make(chan struct{}),
		tasks:  make(chan func(), cfg.QueueSize),
		urgent: make(chan func(), cfg.QueueSize),
	}
	files, err := lru.NewWithEvict(cfg.OpenFiles, p.onEvict)
	if err != nil {
		return nil, err
	}
	p.files = files

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}
	return p, nil
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.urgent:
			job()
			continue
		default:
		}

		select {
		case <-p.quit:
			return
		case job := <-p.urgent:
			job()
		case job := <-p.tasks:
			job()
		}
	}
}

func (p *Pool) enqueue(queue chan func(), fn func()) error {
	p.closing.RLock()
	defer p.closing.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue runs fn on one of the workers.
func (p *Pool) Enqueue(fn func()) error {
	return p.enqueue(p.tasks, fn)
}

// ReadAsync queues a read. cb is called exactly once if no error is returned.
func (p *Pool) ReadAsync(params ReadParams, cb Callback) (*Request, error) {
	if params.Size < 0 || params.Offset < 0 {
		return nil, errors.Errorf("aio: invalid range %d+%d", params.Offset, params.Size)
	}
	req := newRequest(params, cb)
	queue := p.tasks
	if params.Priority == PriorityUrgent {
		queue = p.urgent
	}
	if err := p.enqueue(queue, func() { p.run(req) }); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Pool) run(req *Request) {
	var res Result
	if req.start() {
		res.Buf, res.Media, res.Err = p.read(req.params)
	} else {
		res.Err = ErrAborted
	}

	if !req.params.SyncCallback {
		req.finish(res)
		return
	}
	p.syncMu.Lock()
	p.syncQueue = append(p.syncQueue, func() { req.finish(res) })
	p.syncMu.Unlock()
}

func (p *Pool) read(params ReadParams) ([]byte, MediaType, error) {
	fh, err := p.acquire(params.Path)
	if err != nil {
		return nil, MediaUnknown, err
	}
	defer p.release(fh)

	buf := make([]byte, params.Size)
	n, err := fh.file.ReadAt(buf, params.Offset)
	if int64(n) == params.Size {
		return buf, fh.media, nil
	}
	if err == nil || err == io.EOF {
		err = ErrShortRead
	}
	return nil, fh.media, errors.Wrapf(err, "read %s at %d", params.Path, params.Offset)
}

// Dispatch calls the callbacks of finished reads issued with
// SyncCallback on the calling goroutine. Returns how many ran.
func (p *Pool) Dispatch() int {
	p.syncMu.Lock()
	queue := p.syncQueue
	p.syncQueue = nil
	p.syncMu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Pending returns the number of queued jobs and reads.
func (p *Pool) Pending() int {
	return len(p.tasks) + len(p.urgent)
}

// Close stops the workers. Work still queued is run on the calling
// goroutine, so every accepted read still gets its callback.
func (p *Pool) Close() {
	p.closing.Lock()
	if p.closed {
		p.closing.Unlock()
		return
	}
	p.closed = true
	p.closing.Unlock()

	close(p.quit)
	p.wg.Wait()

	for _, queue := range []chan func(){p.urgent, p.tasks} {
	drain:
		for {
			select {
			case job := <-queue:
				job()
			default:
				break drain
			}
		}
	}
	p.Dispatch()

	p.filesMu.Lock()
	p.files.Purge()
	p.filesMu.Unlock()
}

func (p *Pool) acquire(path string) (*fileHandle, error) {
	p.filesMu.Lock()
	if v, ok := p.files.Get(path); ok {
		fh := v.(*fileHandle)
		fh.refs++
		p.filesMu.Unlock()
		return fh, nil
	}
	p.filesMu.Unlock()

	file, media, err := p.opener(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	if v, ok := p.files.Get(path); ok {
		// opened concurrently by another worker
		file.Close()
		fh := v.(*fileHandle)
		fh.refs++
		return fh, nil
	}
	fh := &fileHandle{path: path, file: file, media: media, refs: 1}
	p.files.Add(path, fh)
	p.log.WithField("path", path).Debug("opened file")
	return fh, nil
}

func (p *Pool) release(fh *fileHandle) {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	fh.refs--
	if fh.evicted && fh.refs == 0 {
		p.closeFile(fh)
	}
}

// onEvict runs inside the lru with filesMu held.
func (p *Pool) onEvict(_ interface{}, value interface{}) {
	fh := value.(*fileHandle)
	fh.evicted = true
	if fh.refs == 0 {
		p.closeFile(fh)
	}
}

func (p *Pool) closeFile(fh *fileHandle) {
	if err := fh.file.Close(); err != nil {
		p.log.WithError(err).WithField("path", fh.path).Warn("failed to close file")
	}
}
