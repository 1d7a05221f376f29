// Package hostrpc 通过 JSON-RPC 2.0 暴露分层编译控制器的宿主操作
//
// 方法:
//
//	tier/load                     汇编脚本
//	tier/call                     调用函数
//	tier/prepareForOptimization   重置去优化计数
//	tier/optimizeOnNextCall       请求下次调用时优化
//	tier/neverOptimize            永久禁止优化
//	tier/deoptimize               强制去优化
//	tier/isTierInstalled          查询层级
//	tier/isOptimized              是否运行优化代码
//	tier/clearFeedback            清空反馈
//	tier/status                   优化状态位
//	tier/stats                    统计
//
// 编译错误以 textDocument/publishDiagnostics 通知推送给客户端。
package hostrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/pkg/xcontext"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/asm"
	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/jit"
	"github.com/tangzhangming/tiering/internal/tiering"
)

// 方法名
const (
	MethodLoad                   = "tier/load"
	MethodCall                   = "tier/call"
	MethodPrepareForOptimization = "tier/prepareForOptimization"
	MethodOptimizeOnNextCall     = "tier/optimizeOnNextCall"
	MethodNeverOptimize          = "tier/neverOptimize"
	MethodDeoptimize             = "tier/deoptimize"
	MethodIsTierInstalled        = "tier/isTierInstalled"
	MethodIsOptimized            = "tier/isOptimized"
	MethodClearFeedback          = "tier/clearFeedback"
	MethodStatus                 = "tier/status"
	MethodStats                  = "tier/stats"
)

// Server JSON-RPC 服务器
type Server struct {
	ctrl *tiering.Controller
	log  *zap.Logger

	mu       sync.Mutex
	programs map[uri.URI]*bytecode.Program
	sources  map[*bytecode.Program]uri.URI
	conn     jsonrpc2.Conn
	connCtx  context.Context

	// callMu 串行化脚本执行，out 收集 print 输出
	callMu sync.Mutex
	outMu  sync.Mutex
	out    bytes.Buffer
}

// New 创建服务器
// 控制器的输出和编译错误回调由服务器接管
func New(opts tiering.Options) *Server {
	s := &Server{
		log:      opts.Logger,
		programs: make(map[uri.URI]*bytecode.Program),
		sources:  make(map[*bytecode.Program]uri.URI),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	opts.Output = writerFunc(s.write)
	opts.OnCompileError = s.publishCompileError
	s.ctrl = tiering.New(opts)
	return s
}

// Controller 返回控制器
func (s *Server) Controller() *tiering.Controller {
	return s.ctrl
}

// Close 关闭控制器
func (s *Server) Close() error {
	return s.ctrl.Close()
}

// Serve 在流上提供服务，直到连接关闭；对端正常关闭时返回 nil
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	s.mu.Lock()
	s.conn = conn
	s.connCtx = ctx
	s.mu.Unlock()

	conn.Go(ctx, jsonrpc2.ReplyHandler(s.Handle))

	select {
	case <-ctx.Done():
		conn.Close()
		<-conn.Done()
		return ctx.Err()
	case <-conn.Done():
		if err := conn.Err(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// Handle 分派请求
func (s *Server) Handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.log.Debug("request", zap.String("method", req.Method()))

	switch req.Method() {
	case MethodLoad:
		var p LoadParams
		if err := decode(req, &p); err != nil {
			return reply(ctx, nil, err)
		}
		res, err := s.load(p)
		return reply(ctx, res, err)

	case MethodCall:
		var p CallParams
		if err := decode(req, &p); err != nil {
			return reply(ctx, nil, err)
		}
		res, err := s.call(p)
		return reply(ctx, res, err)

	case MethodOptimizeOnNextCall:
		var p TierParams
		if err := decode(req, &p); err != nil {
			return reply(ctx, nil, err)
		}
		fn, tier, err := s.tierTarget(p, "top")
		if err != nil {
			return reply(ctx, nil, err)
		}
		marked, err := s.ctrl.OptimizeOnNextCall(fn, tier)
		if err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}
		return reply(ctx, marked, nil)

	case MethodIsTierInstalled:
		var p TierParams
		if err := decode(req, &p); err != nil {
			return reply(ctx, nil, err)
		}
		fn, tier, err := s.tierTarget(p, "")
		if err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, s.ctrl.IsTierInstalled(fn, tier), nil)

	case MethodPrepareForOptimization, MethodNeverOptimize, MethodDeoptimize,
		MethodIsOptimized, MethodClearFeedback, MethodStatus:
		var p FunctionParams
		if err := decode(req, &p); err != nil {
			return reply(ctx, nil, err)
		}
		fn, err := s.function(p.URI, p.Function)
		if err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, s.functionOp(req.Method(), fn), nil)

	case MethodStats:
		return reply(ctx, s.ctrl.Stats(), nil)
	}

	return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
}

func (s *Server) functionOp(method string, fn *bytecode.Function) interface{} {
	switch method {
	case MethodPrepareForOptimization:
		s.ctrl.PrepareForOptimization(fn)
	case MethodNeverOptimize:
		s.ctrl.NeverOptimize(fn)
	case MethodDeoptimize:
		return s.ctrl.Deoptimize(fn)
	case MethodIsOptimized:
		return s.ctrl.IsOptimized(fn)
	case MethodClearFeedback:
		s.ctrl.ClearFeedback(fn)
	case MethodStatus:
		st := s.ctrl.Status(fn)
		return StatusResult{Bits: uint32(st), Flags: st.String()}
	}
	return nil
}

func decode(req jsonrpc2.Request, v interface{}) error {
	if err := json.Unmarshal(req.Params(), v); err != nil {
		return jsonrpc2.Errorf(jsonrpc2.InvalidParams, "%s: %v", req.Method(), err)
	}
	return nil
}

// ============================================================================
// 程序管理
// ============================================================================

func (s *Server) load(p LoadParams) (*LoadResult, error) {
	if p.URI == "" {
		return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, "uri is required")
	}
	src := p.Source
	if src == "" {
		prog, err := asm.AssembleFile(p.URI.Filename())
		if err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
		}
		return s.register(p.URI, prog), nil
	}
	prog, err := asm.Assemble(p.URI.Filename(), src)
	if err != nil {
		return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	return s.register(p.URI, prog), nil
}

func (s *Server) register(u uri.URI, prog *bytecode.Program) *LoadResult {
	s.mu.Lock()
	old, replaced := s.programs[u]
	s.programs[u] = prog
	s.sources[prog] = u
	if replaced {
		delete(s.sources, old)
	}
	s.mu.Unlock()

	if replaced {
		for _, fn := range old.Functions {
			s.ctrl.Unload(fn)
		}
	}

	res := &LoadResult{URI: u}
	for _, fn := range prog.Functions {
		res.Functions = append(res.Functions, fn.Name)
	}
	return res
}

func (s *Server) function(u uri.URI, name string) (*bytecode.Function, error) {
	s.mu.Lock()
	prog, ok := s.programs[u]
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "program %s is not loaded", u)
	}
	fn, ok := prog.Lookup(name)
	if !ok {
		return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "function %s is not defined in %s", name, u)
	}
	return fn, nil
}

func (s *Server) tierTarget(p TierParams, def string) (*bytecode.Function, codecache.Tier, error) {
	fn, err := s.function(p.URI, p.Function)
	if err != nil {
		return nil, 0, err
	}
	name := p.Tier
	if name == "" {
		name = def
	}
	tier, err := codecache.ParseTier(name)
	if err != nil {
		return nil, 0, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	return fn, tier, nil
}

func (s *Server) call(p CallParams) (*CallResult, error) {
	fn, err := s.function(p.URI, p.Function)
	if err != nil {
		return nil, err
	}
	args := make([]bytecode.Value, len(p.Args))
	for i, a := range p.Args {
		v, err := toValue(a)
		if err != nil {
			return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "argument %d: %v", i, err)
		}
		args[i] = v
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()

	s.outMu.Lock()
	s.out.Reset()
	s.outMu.Unlock()

	v, err := s.ctrl.Call(fn, args...)
	if err != nil {
		return nil, jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
	}

	s.outMu.Lock()
	output := s.out.String()
	s.outMu.Unlock()

	return &CallResult{Value: v.String(), Type: v.Type.String(), Output: output}, nil
}

func (s *Server) write(p []byte) (int, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.out.Write(p)
}

// ============================================================================
// 诊断
// ============================================================================

// publishCompileError 把编译错误作为诊断推送给客户端
func (s *Server) publishCompileError(cerr *jit.CompileError) {
	s.mu.Lock()
	conn, ctx := s.conn, s.connCtx
	u, ok := s.sources[cerr.Function.Program]
	s.mu.Unlock()
	if conn == nil || !ok {
		return
	}

	params := &protocol.PublishDiagnosticsParams{
		URI:         u,
		Diagnostics: []protocol.Diagnostic{Diagnostic(cerr)},
	}
	if err := conn.Notify(xcontext.Detach(ctx), protocol.MethodTextDocumentPublishDiagnostics, params); err != nil {
		s.log.Warn("publish diagnostics failed", zap.Error(err))
	}
}

// Diagnostic 把编译错误转换为诊断
func Diagnostic(cerr *jit.CompileError) protocol.Diagnostic {
	line := uint32(0)
	if cerr.Line > 0 {
		line = uint32(cerr.Line - 1)
	}
	return protocol.Diagnostic{
		Range: protocol.Range{
			Start: protocol.Position{Line: line, Character: 0},
			End:   protocol.Position{Line: line, Character: 0},
		},
		Severity: protocol.DiagnosticSeverityWarning,
		Code:     "compile-error",
		Source:   "tiering",
		Message:  fmt.Sprintf("%s: %s (%s tier)", cerr.Function.Name, cerr.Reason, cerr.Tier),
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
