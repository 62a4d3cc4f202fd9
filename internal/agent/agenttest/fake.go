// Package agenttest provides an in-memory agent runtime for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/basket/cordell/internal/agent"
)

// Reply produces the response for a prompt.
type Reply func(ctx context.Context, session, prompt string) (agent.Response, error)

// Text returns a Reply that always answers text.
func Text(text string) Reply {
	return func(context.Context, string, string) (agent.Response, error) {
		return agent.Response{Text: text}, nil
	}
}

// Block returns a Reply that waits until release is closed or ctx ends, then
// answers text.
func Block(release <-chan struct{}, text string) Reply {
	return func(ctx context.Context, _, _ string) (agent.Response, error) {
		select {
		case <-release:
			return agent.Response{Text: text}, nil
		case <-ctx.Done():
			return agent.Response{}, ctx.Err()
		}
	}
}

// Dialer is a fake agent.Dialer. The zero value answers "ok".
type Dialer struct {
	mu       sync.Mutex
	reply    Reply
	dialErr  error
	dials    []agent.DialRequest
	prompts  []string
	inFlight map[string]int

	// MaxConcurrent is the highest number of simultaneous Sends observed on
	// any single session.
	MaxConcurrent atomic.Int32
	closed        atomic.Int32
}

// NewDialer returns a fake answering with reply.
func NewDialer(reply Reply) *Dialer {
	return &Dialer{reply: reply}
}

// SetReply changes how later prompts are answered.
func (d *Dialer) SetReply(r Reply) {
	d.mu.Lock()
	d.reply = r
	d.mu.Unlock()
}

// FailDials makes Dial return err until called again with nil.
func (d *Dialer) FailDials(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// Dials returns the requests seen so far.
func (d *Dialer) Dials() []agent.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.DialRequest(nil), d.dials...)
}

// Prompts returns every prompt sent, in order.
func (d *Dialer) Prompts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prompts...)
}

// Closed returns how many connections were closed.
func (d *Dialer) Closed() int { return int(d.closed.Load()) }

func (d *Dialer) Dial(_ context.Context, req agent.DialRequest) (agent.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, req)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	id := req.ResumeID
	if id == "" {
		id = fmt.Sprintf("fake-%s-%d", req.Session, len(d.dials))
	}
	return &conn{d: d, session: req.Session, id: id}, nil
}

func (d *Dialer) enter(session, prompt string) Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]int)
	}
	d.inFlight[session]++
	if n := int32(d.inFlight[session]); n > d.MaxConcurrent.Load() {
		d.MaxConcurrent.Store(n)
	}
	d.prompts = append(d.prompts, prompt)
	if d.reply == nil {
		return Text("ok")
	}
	return d.reply
}

func (d *Dialer) leave(session string) {
	d.mu.Lock()
	d.inFlight[session]--
	d.mu.Unlock()
}

type conn struct {
	d       *Dialer
	session string
	id      string
	closed  atomic.Bool
}

func (c *conn) Send(ctx context.Context, prompt string) (agent.Response, error) {
	if c.closed.Load() {
		return agent.Response{}, agent.ErrConnClosed
	}
	reply := c.d.enter(c.session, prompt)
	defer c.d.leave(c.session)
	resp, err := reply(ctx, c.session, prompt)
	if err != nil {
		return agent.Response{}, err
	}
	if resp.SessionID == "" {
		resp.SessionID = c.id
	}
	return resp, nil
}

func (c *conn) SessionID() string { return c.id }

func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.d.closed.Add(1)
	}
	return nil
}
