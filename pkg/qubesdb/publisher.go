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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const DefaultDialTimeout = 10 * time.Second

var (
	// ErrTransportUnavailable means the channel endpoint could not be reached.
	ErrTransportUnavailable = errors.New("QubesDB transport unavailable")

	errShortWrite = errors.New("short write to QubesDB channel")
)

// Publisher pushes frames to the host end of a VM's QubesDB channel. Delivery
// is at most once: there is no acknowledgement.
type Publisher struct {
	codec       Codec
	dialTimeout time.Duration
	log         *slog.Logger
}

type PublisherOption func(*Publisher)

func WithPublisherCodec(c Codec) PublisherOption {
	return func(p *Publisher) { p.codec = c }
}

func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.dialTimeout = d }
}

func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		codec:       DefaultCodec(),
		dialTimeout: DefaultDialTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes entries as one frame to the UNIX socket at endpoint. The
// hypervisor listens on that socket and buffers the frame until the guest
// opens its end of the channel.
func (p *Publisher) Publish(ctx context.Context, endpoint string, entries Entries) error {
	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return errors.Join(err, fmt.Errorf("endpoint=%s", endpoint), ErrTransportUnavailable)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.log.Debug("error closing QubesDB channel", "endpoint", endpoint, "err", err.Error())
		}
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(p.dialTimeout)); err != nil {
		return errors.Join(err, fmt.Errorf("endpoint=%s", endpoint), ErrTransportUnavailable)
	}

	frame := p.codec.Encode(entries)
	n, err := conn.Write(frame)
	if err != nil {
		return errors.Join(err, fmt.Errorf("endpoint=%s", endpoint), ErrTransportUnavailable)
	}
	if n != len(frame) {
		return errors.Join(fmt.Errorf("endpoint=%s wrote=%d want=%d", endpoint, n, len(frame)), errShortWrite)
	}

	p.log.Info("published QubesDB entries", "endpoint", endpoint, "count", len(entries))
	return nil
}
