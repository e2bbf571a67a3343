// Package stratum is a pool client. It turns mining.notify jobs into partial templates
// and reports found nonces as shares.
package stratum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

var ErrClosed = errors.New("stratum connection closed")

type Options struct {
	MinerAddress string
	Devfund      devfund.Policy
	// Counter is shared with the node feed when both run, nil starts a random one.
	Counter *devfund.Counter
	Agent   string
	// Sequencer keeps generation ids increasing across reconnects, nil starts at 1.
	Sequencer *template.Sequencer

	SubmitTimeout time.Duration
	LogRate       time.Duration
	PendingSize   int
}

func (o *Options) setDefaults() {
	if o.Agent == "" {
		o.Agent = "kaspa-miner"
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.LogRate <= 0 {
		o.LogRate = 30 * time.Second
	}
	if o.PendingSize <= 0 {
		o.PendingSize = 1024
	}
	if o.Counter == nil {
		o.Counter = devfund.NewCounter()
	}
	if o.Sequencer == nil {
		o.Sequencer = &template.Sequencer{}
	}
}

type ShareStats struct {
	Accepted  atomic.Uint64
	Stale     atomic.Uint64
	LowDiff   atomic.Uint64
	Duplicate atomic.Uint64
}

type pendingShare struct {
	jobId  string
	result chan error
}

type Client struct {
	opts Options
	conn net.Conn

	writeLock sync.Mutex
	lastId    atomic.Uint32

	subscribeId atomic.Uint32
	authorizeId atomic.Uint32

	pending utils.Cache[uint32, *pendingShare]
	Stats   ShareStats

	lock       sync.Mutex
	target     types.Uint256
	nonceMask  uint64
	nonceFixed uint64
	extranonce string
	authorized string

	sequencer *template.Sequencer
	templates chan *template.BlockTemplate

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to address, which may carry a stratum+tcp:// scheme.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	if _, rest, ok := strings.Cut(address, "://"); ok {
		address = rest
	}
	utils.Logf("STRATUM", "Connecting to %s", address)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", client.ErrNodeUnreachable, err)
	}
	return NewClient(conn, opts), nil
}

func NewClient(conn net.Conn, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:      opts,
		conn:      conn,
		pending:   utils.NewLRUCache[uint32, *pendingShare](opts.PendingSize),
		nonceMask: ^uint64(0),
		sequencer: opts.Sequencer,
		templates: make(chan *template.BlockTemplate, 1),
		done:      make(chan struct{}),
	}
}

func (c *Client) nextId() uint32 {
	return c.lastId.Add(1) - 1
}

func (c *Client) send(id uint32, method string, params ...any) error {
	buf, err := utils.MarshalJSON(&request{Id: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// Register subscribes and authorizes the pay address picked by the devfund policy.
func (c *Client) Register() error {
	id := c.nextId()
	c.subscribeId.Store(id)
	if err := c.send(id, MethodSubscribe, c.opts.Agent); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return c.authorize(c.opts.Devfund.PayAddress(c.opts.MinerAddress, c.opts.Counter.Load()))
}

func (c *Client) authorize(payAddress string) error {
	id := c.nextId()
	c.authorizeId.Store(id)

	c.lock.Lock()
	c.authorized = payAddress
	c.lock.Unlock()

	if payAddress != c.opts.MinerAddress {
		utils.Logf("STRATUM", "Mining to devfund")
	}
	if err := c.send(id, MethodAuthorize, payAddress, "x"); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	return nil
}

// Run reads pool messages until the connection fails, a fatal pool error arrives or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()
	go c.logShares(ctx)

	err := c.readLoop()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	c.shutdown(err)
	return err
}

func (c *Client) readLoop() error {
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		buf, err := reader.ReadBytes('\n')
		if len(buf) > 0 {
			if handleErr := c.handleLine(buf); handleErr != nil {
				return handleErr
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) handleLine(buf []byte) error {
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return nil
	}
	utils.Debugf("STRATUM", "<- %s", string(buf))

	var line Line
	if err := utils.UnmarshalJSON(buf, &line); err != nil {
		return fmt.Errorf("decode line %q: %w", string(buf), err)
	}

	switch line.Method {
	case "":
		return c.handleResult(&line)
	case MethodSetExtranonce:
		var extranonce string
		var nonceSize uint32
		if err := parseParams(line.Params, &extranonce, &nonceSize); err != nil {
			return fmt.Errorf("%s: %w", line.Method, err)
		}
		return c.setExtranonce(extranonce, nonceSize)
	case MethodSetDifficulty:
		var difficulty float64
		if err := parseParams(line.Params, &difficulty); err != nil {
			return fmt.Errorf("%s: %w", line.Method, err)
		}
		return c.setDifficulty(difficulty)
	case MethodNotify:
		return c.handleNotify(&line)
	default:
		return fmt.Errorf("unhandled stratum message %s", string(buf))
	}
}

func (c *Client) handleResult(line *Line) error {
	if line.Id == nil {
		return fmt.Errorf("result without id")
	}
	id := *line.Id

	stratumErr, err := parseError(line.Error)
	if err != nil {
		return err
	}

	if share, ok := c.pending.Take(id); ok {
		return c.shareResult(share, line, stratumErr)
	}

	switch id {
	case c.subscribeId.Load():
		if stratumErr != nil {
			return fmt.Errorf("subscribe: %w", stratumErr)
		}
		var subscriptions any
		var extranonce string
		var nonceSize uint32
		if parseParams(line.Result, &subscriptions, &extranonce, &nonceSize) == nil {
			return c.setExtranonce(extranonce, nonceSize)
		}
		return nil
	case c.authorizeId.Load():
		if stratumErr != nil {
			return fmt.Errorf("authorize: %w", stratumErr)
		}
		return nil
	}

	utils.Noticef("STRATUM", "Ignoring result for id %d (last: %d)", id, c.lastId.Load())
	return nil
}

func (c *Client) shareResult(share *pendingShare, line *Line, stratumErr *StratumError) error {
	if stratumErr == nil {
		if string(line.Result) == "false" {
			share.result <- client.Rejected(0, "share rejected")
			return nil
		}
		c.Stats.Accepted.Add(1)
		share.result <- nil
		return nil
	}

	share.result <- client.Rejected(int(stratumErr.Code), stratumErr.Message)

	switch stratumErr.Code {
	case ErrorJobNotFound:
		c.Stats.Stale.Add(1)
		utils.Noticef("STRATUM", "Stale share (Job id: %s)", share.jobId)
	case ErrorDuplicateShare:
		c.Stats.Duplicate.Add(1)
		utils.Noticef("STRATUM", "Duplicate share (Job id: %s)", share.jobId)
	case ErrorLowDifficulty:
		c.Stats.LowDiff.Add(1)
		utils.Noticef("STRATUM", "Low difficulty share (Job id: %s)", share.jobId)
	default:
		utils.Errorf("STRATUM", "Got error code %s: %s", stratumErr.Code, stratumErr.Message)
		return stratumErr
	}
	return nil
}

func (c *Client) setExtranonce(extranonce string, nonceSize uint32) error {
	if nonceSize > 8 {
		return fmt.Errorf("extranonce: nonce size %d too large", nonceSize)
	}
	ext, err := strconv.ParseUint(strings.TrimPrefix(extranonce, "0x"), 16, 64)
	if extranonce == "" {
		ext, err = 0, nil
	}
	if err != nil {
		return fmt.Errorf("extranonce %q: %w", extranonce, err)
	}

	bits := nonceSize * 8
	c.lock.Lock()
	defer c.lock.Unlock()
	c.extranonce = extranonce
	// shifts of 64 yield 0, so an 8 byte nonce leaves the whole word free
	c.nonceFixed = ext << bits
	c.nonceMask = (uint64(1) << bits) - 1
	utils.Debugf("STRATUM", "extranonce %s, nonce mask 0x%016x fixed 0x%016x", extranonce, c.nonceMask, c.nonceFixed)
	return nil
}

func (c *Client) setDifficulty(difficulty float64) error {
	target, err := types.TargetFromPoolDifficulty(difficulty)
	if err != nil {
		return fmt.Errorf("difficulty %v: %w", difficulty, err)
	}
	c.lock.Lock()
	c.target = target
	c.lock.Unlock()
	utils.Logf("STRATUM", "Difficulty: %v, Target: 0x%s", difficulty, target)
	return nil
}

func parseHeaderHash(raw []byte) (types.Hash, error) {
	var words [4]uint64
	if err := utils.UnmarshalJSON(raw, &words); err == nil {
		return types.HashFromWords(words), nil
	}
	var s string
	if err := utils.UnmarshalJSON(raw, &s); err != nil {
		return types.ZeroHash, fmt.Errorf("header hash %s", string(raw))
	}
	return types.HashFromString(s)
}

func (c *Client) handleNotify(line *Line) error {
	var jobId string
	var headerRaw json.RawMessage
	var timestamp uint64
	if err := parseParams(line.Params, &jobId, &headerRaw, &timestamp); err != nil {
		return fmt.Errorf("%s: %w", MethodNotify, err)
	}

	headerHash, err := parseHeaderHash(headerRaw)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodNotify, err)
	}
	payAddress := c.opts.Devfund.PayAddress(c.opts.MinerAddress, c.opts.Counter.Advance())

	c.lock.Lock()
	target, mask, fixed, authorized := c.target, c.nonceMask, c.nonceFixed, c.authorized
	c.lock.Unlock()

	if payAddress != authorized {
		if err = c.authorize(payAddress); err != nil {
			return err
		}
	}

	tpl, err := template.NewPartial(jobId, headerHash, timestamp, target, mask, fixed)
	if err != nil {
		utils.Errorf("STRATUM", "Dropping job %s: %s", jobId, err)
		return nil
	}
	tpl.PayAddress = payAddress
	tpl = c.sequencer.Stamp(tpl)

	// latest job wins
	select {
	case <-c.templates:
	default:
	}
	c.templates <- tpl
	return nil
}

// Next implements feed.Feed, returning the newest job not yet handed out.
func (c *Client) Next(ctx context.Context) (*template.BlockTemplate, error) {
	select {
	case tpl := <-c.templates:
		return tpl, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%w: %w", client.ErrNodeUnreachable, c.err)
	}
}

// Submit implements report.Submitter, waiting for the pool verdict on the share.
func (c *Client) Submit(ctx context.Context, s report.Submission) error {
	if s.Template == nil || !s.Template.IsPartial() {
		return errors.New("only pool jobs can be submitted as shares")
	}
	address := s.Template.PayAddress
	if address == "" {
		address = c.opts.MinerAddress
	}

	id := c.nextId()
	share := &pendingShare{jobId: s.Template.JobId, result: make(chan error, 1)}
	c.pending.Set(id, share)

	if err := c.send(id, MethodSubmit, address, s.Template.JobId, fmt.Sprintf("0x%016x", s.Nonce)); err != nil {
		c.pending.Delete(id)
		return fmt.Errorf("%w: %w", client.ErrNodeUnreachable, err)
	}

	timer := time.NewTimer(c.opts.SubmitTimeout)
	defer timer.Stop()

	select {
	case err := <-share.result:
		return err
	case <-ctx.Done():
		c.pending.Delete(id)
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: %w", client.ErrNodeUnreachable, c.err)
	case <-timer.C:
		c.pending.Delete(id)
		return fmt.Errorf("%w: no answer for share %d", client.ErrNodeUnreachable, id)
	}
}

func (c *Client) ShareStatsString() string {
	var b strings.Builder
	b.WriteString("Shares: ")
	if v := c.Stats.Accepted.Load(); v > 0 {
		fmt.Fprintf(&b, "Accepted: %d ", v)
	}
	if v := c.Stats.Stale.Load(); v > 0 {
		fmt.Fprintf(&b, "Stale: %d ", v)
	}
	if v := c.Stats.LowDiff.Load(); v > 0 {
		fmt.Fprintf(&b, "Low difficulty: %d ", v)
	}
	if v := c.Stats.Duplicate.Load(); v > 0 {
		fmt.Fprintf(&b, "Duplicate: %d ", v)
	}
	fmt.Fprintf(&b, "Pending: %d", c.pending.Len())
	return b.String()
}

func (c *Client) logShares(ctx context.Context) {
	ticker := time.NewTicker(c.opts.LogRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			utils.Logf("STRATUM", "%s", c.ShareStatsString())
		}
	}
}
