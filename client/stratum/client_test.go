package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

const testMiner = "kaspa:qminer"

type testLine struct {
	Id     uint32 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// testPool is the pool end of a net.Pipe, driven from the test goroutine.
type testPool struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newTestPool(t *testing.T, conn net.Conn) *testPool {
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testPool{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (p *testPool) expect(method string) testLine {
	p.t.Helper()
	buf, err := p.reader.ReadBytes('\n')
	if err != nil {
		p.t.Fatalf("read: %s", err)
	}
	var line testLine
	if err = utils.UnmarshalJSON(buf, &line); err != nil {
		p.t.Fatalf("decode %s: %s", string(buf), err)
	}
	if line.Method != method {
		p.t.Fatalf("expected %s, got %s", method, line.Method)
	}
	return line
}

func (p *testPool) send(format string, args ...any) {
	p.t.Helper()
	if _, err := fmt.Fprintf(p.conn, format+"\n", args...); err != nil {
		p.t.Fatalf("write: %s", err)
	}
}

// startSession registers a client against a pool that hands out extranonce "ab" with a 2 byte nonce.
func startSession(t *testing.T, opts Options) (*Client, *testPool, <-chan error) {
	clientConn, poolConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = poolConn.Close()
	})

	opts.LogRate = time.Hour
	c := NewClient(clientConn, opts)
	pool := newTestPool(t, poolConn)

	registered := make(chan error, 1)
	go func() {
		registered <- c.Register()
	}()

	subscribe := pool.expect(MethodSubscribe)
	if subscribe.Params[0] != "kaspa-miner" {
		t.Errorf("unexpected agent %v", subscribe.Params[0])
	}
	authorize := pool.expect(MethodAuthorize)
	if authorize.Params[1] != "x" {
		t.Errorf("unexpected password %v", authorize.Params[1])
	}
	if err := <-registered; err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	pool.send(`{"id":%d,"result":[[],"ab",2],"error":null}`, subscribe.Id)
	pool.send(`{"id":%d,"result":true,"error":null}`, authorize.Id)
	return c, pool, done
}

func nextTemplate(t *testing.T, c *Client) *template.BlockTemplate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tpl, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func submitAsync(c *Client, tpl *template.BlockTemplate, nonce uint64) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Submit(context.Background(), report.Submission{Template: tpl, Nonce: nonce})
	}()
	return result
}

func TestSession(t *testing.T) {
	t.Parallel()

	c, pool, _ := startSession(t, Options{MinerAddress: testMiner})

	pool.send(`{"id":null,"method":"mining.set_difficulty","params":[4]}`)
	pool.send(`{"id":null,"method":"mining.notify","params":["job1",[1,2,3,4],1234]}`)

	tpl := nextTemplate(t, c)
	if tpl.JobId != "job1" || tpl.Timestamp != 1234 || !tpl.IsPartial() {
		t.Fatalf("unexpected template %+v", tpl)
	}
	if tpl.PrePowHash != types.HashFromWords([4]uint64{1, 2, 3, 4}) {
		t.Errorf("unexpected pre pow hash %s", tpl.PrePowHash)
	}
	expectedTarget, _ := types.TargetFromPoolDifficulty(4)
	if tpl.Target != expectedTarget {
		t.Errorf("expected target %s, got %s", expectedTarget, tpl.Target)
	}
	if tpl.NonceFixed != 0xab0000 || tpl.NonceMask != 0xffff {
		t.Errorf("unexpected nonce space fixed 0x%x mask 0x%x", tpl.NonceFixed, tpl.NonceMask)
	}
	if tpl.PayAddress != testMiner || tpl.Generation != 1 {
		t.Errorf("unexpected pay address %s generation %d", tpl.PayAddress, tpl.Generation)
	}

	accepted := submitAsync(c, tpl, 0xab0001)
	submit := pool.expect(MethodSubmit)
	if submit.Params[0] != testMiner || submit.Params[1] != "job1" || submit.Params[2] != "0x0000000000ab0001" {
		t.Errorf("unexpected submit params %v", submit.Params)
	}
	pool.send(`{"id":%d,"result":true,"error":null}`, submit.Id)
	if err := <-accepted; err != nil {
		t.Fatal(err)
	}

	for _, code := range []ErrorCode{ErrorJobNotFound, ErrorDuplicateShare, ErrorLowDifficulty} {
		rejected := submitAsync(c, tpl, 0xab0002)
		submit = pool.expect(MethodSubmit)
		pool.send(`{"id":%d,"result":null,"error":[%d,"nope",null]}`, submit.Id, code)
		r, ok := client.AsRejected(<-rejected)
		if !ok || r.Code != int(code) || r.Reason != "nope" {
			t.Errorf("expected rejection %s, got %v", code, r)
		}
	}

	if c.Stats.Accepted.Load() != 1 || c.Stats.Stale.Load() != 1 || c.Stats.Duplicate.Load() != 1 || c.Stats.LowDiff.Load() != 1 {
		t.Errorf("unexpected stats %s", c.ShareStatsString())
	}
	if s := c.ShareStatsString(); s != "Shares: Accepted: 1 Stale: 1 Low difficulty: 1 Duplicate: 1 Pending: 0" {
		t.Errorf("unexpected stats line %q", s)
	}
}

func TestLatestJobWins(t *testing.T) {
	t.Parallel()

	c, pool, _ := startSession(t, Options{MinerAddress: testMiner})
	pool.send(`{"id":null,"method":"mining.set_difficulty","params":[1]}`)
	pool.send(`{"id":null,"method":"mining.notify","params":["job1",[1,2,3,4],1]}`)
	pool.send(`{"id":null,"method":"mining.notify","params":["job2","0500000000000000060000000000000007000000000000000800000000000000",2]}`)
	// a later message proves both notifies were consumed
	pool.send(`{"id":null,"method":"mining.set_difficulty","params":[2]}`)

	tpl := nextTemplate(t, c)
	if tpl.JobId != "job2" || tpl.Generation != 2 {
		t.Errorf("expected job2 generation 2, got %s generation %d", tpl.JobId, tpl.Generation)
	}
	if tpl.PrePowHash != types.HashFromWords([4]uint64{5, 6, 7, 8}) {
		t.Errorf("unexpected pre pow hash %s", tpl.PrePowHash)
	}
}

func TestFatalError(t *testing.T) {
	t.Parallel()

	c, pool, done := startSession(t, Options{MinerAddress: testMiner})
	pool.send(`{"id":null,"method":"mining.set_difficulty","params":[1]}`)
	pool.send(`{"id":null,"method":"mining.notify","params":["job1",[1,2,3,4],1]}`)
	tpl := nextTemplate(t, c)

	rejected := submitAsync(c, tpl, 1)
	submit := pool.expect(MethodSubmit)
	pool.send(`{"id":%d,"result":null,"error":[24,"Unauthorized worker",null]}`, submit.Id)

	if r, ok := client.AsRejected(<-rejected); !ok || r.Code != int(ErrorUnauthorized) {
		t.Errorf("expected unauthorized rejection, got %v", r)
	}

	var stratumErr *StratumError
	if err := <-done; !errors.As(err, &stratumErr) || stratumErr.Code != ErrorUnauthorized {
		t.Errorf("expected session to end with unauthorized, got %v", err)
	}

	if _, err := c.Next(context.Background()); !errors.Is(err, client.ErrNodeUnreachable) {
		t.Errorf("expected %v, got %v", client.ErrNodeUnreachable, err)
	}
}

func TestDevfundAuthorize(t *testing.T) {
	t.Parallel()

	// counter starts at 9999, the next notify lands on 0 which pays the devfund
	c, pool, _ := startSession(t, Options{
		MinerAddress: testMiner,
		Devfund:      devfund.NewPolicy(devfund.DefaultAddress, 200),
		Counter:      devfund.NewCounterAt(9999),
	})
	pool.send(`{"id":null,"method":"mining.notify","params":["job1",[1,2,3,4],1]}`)

	authorize := pool.expect(MethodAuthorize)
	if authorize.Params[0] != devfund.DefaultAddress {
		t.Errorf("expected devfund authorize, got %v", authorize.Params[0])
	}
	pool.send(`{"id":%d,"result":true,"error":null}`, authorize.Id)

	tpl := nextTemplate(t, c)
	if tpl.PayAddress != devfund.DefaultAddress {
		t.Errorf("expected devfund pay address, got %s", tpl.PayAddress)
	}

	submitted := submitAsync(c, tpl, 7)
	submit := pool.expect(MethodSubmit)
	if submit.Params[0] != devfund.DefaultAddress {
		t.Errorf("shares must be submitted for the authorized address, got %v", submit.Params[0])
	}
	pool.send(`{"id":%d,"result":true,"error":null}`, submit.Id)
	if err := <-submitted; err != nil {
		t.Fatal(err)
	}
}

func TestSetExtranonce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		extranonce string
		size       uint32
		fixed      uint64
		mask       uint64
		err        bool
	}{
		{"ab", 2, 0xab0000, 0xffff, false},
		{"0x01", 7, 0x0100000000000000, 0x00ffffffffffffff, false},
		{"", 8, 0, ^uint64(0), false},
		{"zz", 2, 0, 0, true},
		{"ab", 9, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.extranonce, tt.size), func(t *testing.T) {
			t.Parallel()
			c := NewClient(nil, Options{})
			err := c.setExtranonce(tt.extranonce, tt.size)
			if tt.err {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if c.nonceFixed != tt.fixed || c.nonceMask != tt.mask {
				t.Errorf("expected fixed 0x%x mask 0x%x, got 0x%x 0x%x", tt.fixed, tt.mask, c.nonceFixed, c.nonceMask)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	t.Parallel()

	if e, err := parseError(nil); e != nil || err != nil {
		t.Errorf("empty error must parse to nil")
	}
	if e, err := parseError([]byte("null")); e != nil || err != nil {
		t.Errorf("null error must parse to nil")
	}
	e, err := parseError([]byte(`[21,"Job not found",null]`))
	if err != nil || e.Code != ErrorJobNotFound || e.Message != "Job not found" {
		t.Errorf("unexpected parse %v %v", e, err)
	}
	if e.Code.Fatal() || !ErrorNotSubscribed.Fatal() {
		t.Errorf("unexpected fatal classification")
	}
	if _, err = parseError([]byte(`"oops"`)); err == nil {
		t.Errorf("expected malformed error")
	}
}

func TestSubmitNodeTemplate(t *testing.T) {
	t.Parallel()
	c := NewClient(nil, Options{})
	if err := c.Submit(context.Background(), report.Submission{}); err == nil {
		t.Errorf("expected error without template")
	}
}
