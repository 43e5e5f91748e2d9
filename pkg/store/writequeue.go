package store

import (
	"context"
	"fmt"

	"github.com/yourusername/chartio-reports/pkg/model"
)

type writeOpType int

const (
	opCreateReport writeOpType = iota
	opUpdateReport
	opDeleteReport
	opCreateRun
	opUpdateRun
)

func (t writeOpType) String() string {
	switch t {
	case opCreateReport:
		return "create report"
	case opUpdateReport:
		return "update report"
	case opDeleteReport:
		return "delete report"
	case opCreateRun:
		return "create run"
	case opUpdateRun:
		return "update run"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

type writeOp struct {
	opType   writeOpType
	data     interface{}
	response chan error
}

// writeQueue serializes every database write through one goroutine so
// concurrent scheduler and API writers never hit SQLITE_BUSY.
type writeQueue struct {
	queue  chan writeOp
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newWriteQueue(db *Store) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	wq := &writeQueue{
		queue:  make(chan writeOp, 100),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go wq.processQueue(db)

	return wq
}

func (wq *writeQueue) processQueue(db *Store) {
	defer close(wq.done)

	for {
		select {
		case <-wq.ctx.Done():
			// Drain what was queued before shutdown
			for {
				select {
				case op := <-wq.queue:
					wq.executeOp(db, op)
				default:
					logger.Debug("Write queue stopped")
					return
				}
			}

		case op := <-wq.queue:
			wq.executeOp(db, op)
		}
	}
}

func (wq *writeQueue) executeOp(db *Store, op writeOp) {
	var err error

	switch op.opType {
	case opCreateReport:
		err = db.createReportDirect(op.data.(*model.Report))
	case opUpdateReport:
		err = db.updateReportDirect(op.data.(*model.Report))
	case opDeleteReport:
		err = db.deleteReportDirect(op.data.(int64))
	case opCreateRun:
		err = db.createRunDirect(op.data.(*model.Run))
	case opUpdateRun:
		err = db.updateRunDirect(op.data.(*model.Run))
	default:
		err = fmt.Errorf("unknown write operation %s", op.opType)
	}

	if err != nil {
		logger.Warn("Write failed", "op", op.opType.String(), "error", err)
	}
	op.response <- err
}

// enqueue adds a write operation to the queue and waits for its result
func (wq *writeQueue) enqueue(opType writeOpType, data interface{}) error {
	op := writeOp{
		opType:   opType,
		data:     data,
		response: make(chan error, 1),
	}

	select {
	case wq.queue <- op:
	case <-wq.ctx.Done():
		return fmt.Errorf("%s: store closed: %w", opType, wq.ctx.Err())
	}

	select {
	case err := <-op.response:
		return err
	case <-wq.done:
		// The drain loop may still have answered
		select {
		case err := <-op.response:
			return err
		default:
			return fmt.Errorf("%s: store closed", opType)
		}
	}
}

func (wq *writeQueue) shutdown() {
	wq.cancel()
	<-wq.done
}
