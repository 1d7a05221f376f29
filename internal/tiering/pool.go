package tiering

import (
	"context"
	"runtime"
	"sync"

	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/feedback"
)

// compileJob 后台编译任务
type compileJob struct {
	rec      *codecache.FunctionRecord
	tier     codecache.Tier
	snap     feedback.Snapshot
	expected *codecache.Installation
}

// compilePool 后台编译线程池
//
// 任务队列有界，队列满时提交失败，调用方下次调用时再尝试。
// 停止时未执行的任务直接丢弃。
type compilePool struct {
	jobs  chan compileJob
	group *errgroup.Group
	ctx   context.Context

	cancel context.CancelFunc
	run    func(compileJob)

	// running 线程池是否运行中，mu 保证停止后不再有任务入队
	mu      sync.Mutex
	running uatomic.Bool

	// pending 已提交但未完成的任务
	pending sync.WaitGroup
}

func newCompilePool(workers, queueSize int, run func(compileJob)) *compilePool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	p := &compilePool{
		jobs:   make(chan compileJob, queueSize),
		group:  group,
		ctx:    gctx,
		cancel: cancel,
		run:    run,
	}
	p.running.Store(true)

	for i := 0; i < workers; i++ {
		group.Go(p.worker)
	}
	return p
}

func (p *compilePool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case job := <-p.jobs:
			p.run(job)
			p.pending.Done()
		}
	}
}

// submit 提交任务，不阻塞
func (p *compilePool) submit(job compileJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return false
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		return true
	default:
		p.pending.Done()
		return false
	}
}

// drain 等待已提交的任务完成
func (p *compilePool) drain() {
	p.pending.Wait()
}

// stop 停止线程池并等待工作线程退出
func (p *compilePool) stop() error {
	p.mu.Lock()
	stopped := p.running.CompareAndSwap(true, false)
	p.mu.Unlock()
	if !stopped {
		return nil
	}
	p.cancel()
	err := p.group.Wait()

	for {
		select {
		case <-p.jobs:
			p.pending.Done()
		default:
			return err
		}
	}
}
