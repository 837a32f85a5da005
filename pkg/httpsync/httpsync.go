// Copyright (c) 2026 citm contributors
//
// This file is part of citm.
//
// citm is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// citm is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with citm.  If not, see <https://www.gnu.org/licenses/>.

// Package httpsync is the "http_sync" collaborator: synchronous HTTPS
// requests issued from a worker context, used only by the preuser stage
// for keysync. It wraps go-resty (the teacher's HTTP client of choice)
// behind a bounded worker pool so a slow registration endpoint never
// blocks the single scheduler goroutine the rest of the gateway runs on.
package httpsync

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ljanyst/citm/pkg/citmerr"
)

// Method is an HTTP verb used for a keysync request.
type Method string

const (
	Get  Method = http.MethodGet
	Post Method = http.MethodPost
)

// Request describes one synchronous keysync call.
type Request struct {
	Method  Method
	URL     string
	Params  map[string]string
	Headers map[string]string
	Body    []byte
	// SelectHeaders names response headers the caller wants copied into
	// Result.Headers, mirroring the original's hdr_selector_t list so a
	// header appearing twice can be requested twice to get both values.
	SelectHeaders []string
}

// Result is what a synchronous request yields.
type Result struct {
	Status  int
	Reason  string // truncated to 256 bytes, matching the collaborator contract
	Body    []byte
	Headers map[string][]string
}

const maxReasonLen = 256

// Syncer issues Requests synchronously from a bounded pool of worker
// goroutines, so no more than maxWorkers HTTP calls are in flight at
// once regardless of how many preusers are mid-keysync.
type Syncer struct {
	client *resty.Client
	sem    chan struct{}
}

// New builds a Syncer. tlsConf may be nil to use Go's default trust
// store; maxWorkers bounds concurrent in-flight requests.
func New(tlsConf *tls.Config, maxWorkers int) *Syncer {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	c := resty.New()
	if tlsConf != nil {
		c.SetTLSClientConfig(tlsConf)
	}
	// Transient 5xx failures are this collaborator's concern to retry, not
	// the core's (see pkg/stage/preuser): three attempts total, matching
	// the keysync-failure scenario of three consecutive 500s before the
	// caller sees one final KeysyncError.
	c.SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Syncer{client: c, sem: make(chan struct{}, maxWorkers)}
}

// Do performs req synchronously, blocking the calling goroutine (which
// must not be the scheduler goroutine) until a worker slot is free and
// the round trip completes or ctx is done.
func (s *Syncer) Do(ctx context.Context, req Request) (Result, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, citmerr.Wrap(citmerr.ErrCancelled, ctx.Err(), "httpsync: waiting for worker slot")
	}
	defer func() { <-s.sem }()

	r := s.client.R().SetContext(ctx)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	if len(req.Params) > 0 {
		r.SetQueryParams(req.Params)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}

	var resp *resty.Response
	var err error
	switch req.Method {
	case Get:
		resp, err = r.Get(req.URL)
	case Post:
		resp, err = r.Post(req.URL)
	default:
		return Result{}, citmerr.New(citmerr.ErrInternal, "httpsync: unsupported method "+string(req.Method))
	}
	if err != nil {
		return Result{}, citmerr.Wrap(citmerr.ErrKeysync, err, "keysync request failed")
	}

	reason := resp.Status()
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}

	headers := make(map[string][]string, len(req.SelectHeaders))
	for _, h := range req.SelectHeaders {
		if v := resp.Header().Values(h); len(v) > 0 {
			headers[h] = v
		}
	}

	return Result{
		Status:  resp.StatusCode(),
		Reason:  reason,
		Body:    resp.Body(),
		Headers: headers,
	}, nil
}

// AlreadyRegistered reports whether res represents the idempotent "this
// device is already registered" outcome the preuser stage treats as
// success rather than failure.
func AlreadyRegistered(res Result) bool {
	return res.Status == http.StatusConflict
}
