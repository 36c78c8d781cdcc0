package client

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/metrics"
	"github.com/remoralabs/remora/internal/retcode"
)

// parserLoop is the per-client parser thread: a cooperative loop that drains
// control commands first, then processes one data-plane QE per iteration.
func (c *Client) parserLoop() {
	defer c.wg.Done()
	log := c.log.Named("parser")
	log.Debug("parser loop entered")

	for {
		for {
			cmd, ok := c.cmdOob2ParserWQ.Pop()
			if !ok {
				break
			}
			c.parserProcessCommand(cmd)
		}

		qe, ok := c.rpc2parserWQ.Pop()
		if !ok {
			if c.Status() == StatusTeardown {
				log.Debug("parser loop exiting")
				c.parserDone.Store(true)
				return
			}
			runtime.Gosched()
			continue
		}
		metrics.ParserQueueDepth.Set(float64(c.rpc2parserWQ.Len()))
		c.parseOne(qe, log)
	}
}

// parseOne resolves one QE and forwards it to the worker, short-circuiting
// parse failures straight to the completion queue.
func (c *Client) parseOne(qe *api.Context, log *zap.Logger) {
	meta := c.apis.Lookup(qe.APIID)
	if meta == nil || meta.Parse == nil {
		log.Warn("unknown api id", zap.Uint64("api_id", qe.APIID))
		qe.Fail(retcode.InvalidInput)
		c.completeQE(qe)
		return
	}

	code := meta.Parse(c, qe)
	if !code.OK() || !qe.Status.OK() {
		log.Debug("parse failed",
			zap.String("api", meta.Name),
			zap.String("code", qe.Status.String()))
		c.completeQE(qe)
		return
	}

	// Handed to the worker with every reference resolved.
	c.parser2workerWQ.PushWait(qe, func() bool { return c.Status() == StatusTeardown })
}

// parserProcessCommand forwards every command unchanged to the worker, which
// owns the device and executes it.
func (c *Client) parserProcessCommand(cmd *api.Command) {
	// Commands cross to the worker on the dedicated command queue. The worker
	// drains that queue before each QE pop, so a command can run ahead of QEs
	// the parser already emitted.
	c.cmdParser2WorkerWQ.PushWait(cmd, func() bool { return c.Status() == StatusTeardown })
}

// completeQE stamps and pushes a QE onto the completion queue.
func (c *Client) completeQE(qe *api.Context) {
	qe.ReturnTick = c.timer.Tick()
	metrics.APICalls.WithLabelValues(c.apis.Name(qe.APIID), qe.Status.String()).Inc()
	metrics.APICallDuration.Observe(float64(qe.ReturnTick-qe.CreateTick) / 1e3)
	c.rpc2workerCQ.PushWait(qe, func() bool { return c.Status() == StatusTeardown })
}
