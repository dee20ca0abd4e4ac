/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package qubesdb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// DefaultDevicePath is where udev exposes the guest end of the channel.
	DefaultDevicePath = "/dev/virtio-ports/org.qubes-os.qubesdb"
	DefaultTimeout    = 30 * time.Second

	defaultPollInterval  = time.Second
	defaultRetryInterval = 100 * time.Millisecond
	readChunkSize        = 4096
)

var (
	// ErrPartialDataDiscarded means bytes arrived but no end sentinel before
	// the deadline. They were dropped.
	ErrPartialDataDiscarded = errors.New("partial QubesDB frame discarded")
	// ErrNoData means the channel stayed silent until the deadline.
	ErrNoData = errors.New("no QubesDB data before deadline")
	// ErrEmptyFrame means a complete frame carried no entries.
	ErrEmptyFrame = errors.New("QubesDB frame has no entries")
	// ErrNoConfiguration means neither the channel nor the cache had anything.
	ErrNoConfiguration = errors.New("no QubesDB configuration available")
)

// Source tells where the entries of a Result come from.
type Source string

const (
	SourceChannel Source = "channel"
	SourceCache   Source = "cache"
	SourceNone    Source = "none"
)

// Result of FetchAndCache. Reason explains why the channel was not used.
type Result struct {
	Count   int
	Source  Source
	Entries Entries
	Reason  error
}

// Opener opens the guest end of the channel for reading.
type Opener func(path string) (io.ReadCloser, error)

// Reader is the guest side of the channel.
type Reader struct {
	fs            afero.Fs
	device        string
	cache         *Cache
	codec         Codec
	open          Opener
	pollInterval  time.Duration
	retryInterval time.Duration
	log           *slog.Logger
}

type ReaderOption func(*Reader)

func WithDevice(path string) ReaderOption {
	return func(r *Reader) { r.device = path }
}

func WithReaderCodec(c Codec) ReaderOption {
	return func(r *Reader) { r.codec = c }
}

// WithOpener replaces how the device is opened. The default opens it through
// the reader's filesystem.
func WithOpener(o Opener) ReaderOption {
	return func(r *Reader) { r.open = o }
}

// WithIntervals sets the device poll interval and the pause after an empty
// read.
func WithIntervals(poll, retry time.Duration) ReaderOption {
	return func(r *Reader) {
		r.pollInterval = poll
		r.retryInterval = retry
	}
}

func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.log = l }
}

func NewReader(fs afero.Fs, cache *Cache, opts ...ReaderOption) *Reader {
	r := &Reader{
		fs:            fs,
		device:        DefaultDevicePath,
		cache:         cache,
		codec:         DefaultCodec(),
		pollInterval:  defaultPollInterval,
		retryInterval: defaultRetryInterval,
		log:           slog.Default(),
	}
	r.open = func(path string) (io.ReadCloser, error) {
		return r.fs.Open(path)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchAndCache waits up to timeout for the device, then reads up to timeout
// for a complete frame. A complete frame replaces the cache. Otherwise the
// existing cache is returned with the reason in Result.Reason, and
// ErrNoConfiguration is returned when there is no cache either.
func (r *Reader) FetchAndCache(ctx context.Context, timeout time.Duration) (Result, error) {
	entries, reason := r.fetch(ctx, timeout)
	if reason == nil {
		if err := r.cache.Write(entries); err != nil {
			return Result{}, err
		}
		r.log.Info("cached QubesDB entries", "count", len(entries), "path", r.cache.SnapshotPath())
		return Result{Count: len(entries), Source: SourceChannel, Entries: entries}, nil
	}

	cached, err := r.cache.List()
	switch {
	case errors.Is(err, ErrNoCache):
		r.log.Warn("no QubesDB configuration available", "reason", reason.Error())
		return Result{Source: SourceNone, Reason: reason}, errors.Join(reason, ErrNoConfiguration)
	case err != nil:
		return Result{Source: SourceNone, Reason: reason}, errors.Join(reason, err)
	}

	r.log.Info("no new QubesDB data, using cache", "count", len(cached), "reason", reason.Error())
	return Result{Count: len(cached), Source: SourceCache, Entries: cached, Reason: reason}, nil
}

func (r *Reader) fetch(ctx context.Context, timeout time.Duration) (Entries, error) {
	if err := r.waitForDevice(ctx, timeout); err != nil {
		return nil, err
	}

	rc, err := r.open(r.device)
	if err != nil {
		return nil, errors.Join(err, ErrTransportUnavailable)
	}

	data := r.readFrame(ctx, rc, timeout)
	if len(data) == 0 {
		return nil, ErrNoData
	}

	entries, ok := r.codec.Decode(data)
	if !ok {
		r.log.Warn("discarding unterminated QubesDB frame", "bytes", len(data))
		return nil, ErrPartialDataDiscarded
	}
	if len(entries) == 0 {
		return nil, ErrEmptyFrame
	}
	return entries, nil
}

func (r *Reader) waitForDevice(ctx context.Context, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, r.pollInterval, timeout, true, func(context.Context) (bool, error) {
		return afero.Exists(r.fs, r.device)
	})
	if err != nil {
		r.log.Warn("QubesDB device not found", "device", r.device, "timeout", timeout, "err", err.Error())
		return errors.Join(err, ErrTransportUnavailable)
	}
	return nil
}

type chunk struct {
	data []byte
	err  error
}

// readFrame accumulates bytes until the codec sees an end sentinel, the
// deadline expires or ctx is done. It closes rc and returns once the reading
// goroutine has exited.
func (r *Reader) readFrame(ctx context.Context, rc io.ReadCloser, timeout time.Duration) []byte {
	chunks := make(chan chunk)
	stop := make(chan struct{})

	go func() {
		defer close(chunks)
		buf := make([]byte, readChunkSize)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: bytes.Clone(buf[:n])}:
				case <-stop:
					return
				}
			}
			switch {
			case errors.Is(err, io.EOF):
				// nothing written yet on the host side
				select {
				case <-time.After(r.retryInterval):
				case <-stop:
					return
				}
			case err != nil:
				select {
				case chunks <- chunk{err: err}:
				case <-stop:
				}
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var data bytes.Buffer
loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.err != nil {
				r.log.Warn("error reading QubesDB device", "device", r.device, "err", c.err.Error())
				break loop
			}
			data.Write(c.data)
			if r.codec.Terminated(data.Bytes()) {
				break loop
			}
		case <-timer.C:
			r.log.Debug("QubesDB read deadline reached", "bytes", data.Len())
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	close(stop)
	if err := rc.Close(); err != nil {
		r.log.Debug("error closing QubesDB device", "err", err.Error())
	}
	for range chunks {
	}

	return data.Bytes()
}
