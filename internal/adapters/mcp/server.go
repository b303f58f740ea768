// Package mcp serves the tool registry over line-delimited JSON-RPC 2.0 on
// stdio.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jbctechsolutions/prguard/internal/application/tools"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainMCP "github.com/jbctechsolutions/prguard/internal/domain/mcp"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/tracing"
)

// DefaultMaxConcurrentCalls bounds in-flight tools/call requests when
// Options.MaxConcurrentCalls is zero.
const DefaultMaxConcurrentCalls = 8

// DefaultMaxLineBytes is the largest request line accepted when
// Options.MaxLineBytes is zero. Patches travel inline.
const DefaultMaxLineBytes = 32 * 1024 * 1024

// ToolHost lists and runs tools.
type ToolHost interface {
	List() []domainMCP.ToolDefinition
	Invoke(ctx context.Context, name string, raw json.RawMessage) tools.Outcome
}

// Options configures a Server.
type Options struct {
	Name               string
	Version            string
	MaxConcurrentCalls int
	MaxLineBytes       int
	Logger             *logging.Logger
	Metrics            *metrics.Collectors
	Tracer             *tracing.Tracer
}

// Server answers one client on a reader/writer pair. tools/call requests run
// concurrently; every other method is answered in arrival order.
type Server struct {
	host    ToolHost
	opts    Options
	sem     *semaphore.Weighted
	logger  *logging.Logger
	metrics *metrics.Collectors
	tracer  *tracing.Tracer

	initialized atomic.Bool

	wmu sync.Mutex
	out io.Writer
}

// NewServer creates a server for host.
func NewServer(host ToolHost, opts Options) *Server {
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Name == "" {
		opts.Name = "prguard"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	return &Server{
		host:    host,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentCalls)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// inbound is one request line, or a marker for a line that was too long.
type inbound struct {
	line    []byte
	tooLong bool
}

// Serve reads requests from in until EOF or ctx is cancelled and writes
// responses to out. In-flight calls are awaited before it returns. A line over
// the size limit is answered with a parse error and skipped.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	lines := make(chan inbound)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReaderSize(in, 64*1024)
		for {
			line, tooLong, err := readLine(r, s.opts.MaxLineBytes)
			if len(line) > 0 || tooLong {
				select {
				case lines <- inbound{line: line, tooLong: tooLong}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readErr <- err
				close(lines)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-lines:
			if !ok {
				wg.Wait()
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
				return nil
			}
			if msg.tooLong {
				s.logger.Warn("request line too long", "limit_bytes", s.opts.MaxLineBytes)
				s.write(domainMCP.NewErrorResponse(nil, domainMCP.ErrorCodeParseError,
					fmt.Sprintf("parse error: request exceeds %d bytes", s.opts.MaxLineBytes)))
				continue
			}
			if len(bytes.TrimSpace(msg.line)) == 0 {
				continue
			}
			s.dispatch(ctx, msg.line, &wg)
		}
	}
}

// readLine reads one newline-terminated line without the terminator. When the
// line exceeds limit bytes the rest of it is discarded and tooLong is set.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		return line, false, err
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte, wg *sync.WaitGroup) {
	var req domainMCP.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(domainMCP.NewErrorResponse(nil, domainMCP.ErrorCodeParseError, "parse error: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		s.write(domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInvalidRequest, err.Error()))
		return
	}

	if req.Method == domainMCP.MethodToolsCall && !req.IsNotification() && s.initialized.Load() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.write(domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInternalError, "server shutting down"))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			s.write(s.callTool(ctx, &req))
		}()
		return
	}

	resp := s.handle(&req)
	if resp != nil && !req.IsNotification() {
		s.write(resp)
	}
}

// handle answers every method except an admitted tools/call.
func (s *Server) handle(req *domainMCP.Request) *domainMCP.Response {
	switch req.Method {
	case domainMCP.MethodInitialize:
		var params domainMCP.InitializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInvalidParams, err.Error())
			}
		}
		s.initialized.Store(true)
		s.logger.Info("client connected", "client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
		return s.result(req.ID, domainMCP.InitializeResult{
			ProtocolVersion: domainMCP.ProtocolVersion,
			Capabilities:    domainMCP.ServerCapabilities{Tools: &domainMCP.ToolsCapability{}},
			ServerInfo:      domainMCP.ServerInfo{Name: s.opts.Name, Version: s.opts.Version},
		})

	case domainMCP.MethodInitialized:
		return nil

	case domainMCP.MethodPing:
		return s.result(req.ID, struct{}{})

	case domainMCP.MethodToolsList, domainMCP.MethodToolsCall:
		if !s.initialized.Load() {
			return domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInvalidRequest, domainMCP.ErrNotInitialized.Error())
		}
		if req.Method == domainMCP.MethodToolsCall {
			// Only notifications reach here once initialized.
			return nil
		}
		return s.result(req.ID, domainMCP.ToolsListResult{Tools: s.host.List()})

	default:
		return domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) callTool(ctx context.Context, req *domainMCP.Request) *domainMCP.Response {
	var params domainMCP.ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInvalidParams, "tools/call requires a tool name")
	}

	ctx = logging.WithCorrelationID(ctx, uuid.New().String())
	ctx = logging.WithTool(ctx, params.Name)
	ctx, span := s.tracer.StartToolSpan(ctx, params.Name)

	start := time.Now()
	out := s.invoke(ctx, params)
	elapsed := time.Since(start)

	kind := ""
	if out.Error != nil {
		kind = out.Error.Kind
		span.EndWithError(errors.New(out.Error.Message))
	} else {
		span.End()
	}
	s.metrics.ObserveToolCall(params.Name, kind, elapsed)
	logging.LogToolCall(ctx, s.logger, elapsed, kind)

	text, err := json.Marshal(out)
	if err != nil {
		return domainMCP.NewErrorResponse(req.ID, domainMCP.ErrorCodeInternalError, "failed to encode result")
	}
	return s.result(req.ID, domainMCP.ToolCallResult{
		Content:           []domainMCP.ContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: out,
		IsError:           out.Error != nil,
	})
}

// invoke runs the tool, turning a panic into an Internal outcome.
func (s *Server) invoke(ctx context.Context, params domainMCP.ToolCallParams) (out tools.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "tool panicked", "panic", fmt.Sprint(r))
			out = tools.Outcome{Error: &tools.ErrorBody{
				Kind:    string(domainErrors.KindInternal),
				Message: "internal error",
			}}
		}
	}()
	return s.host.Invoke(ctx, params.Name, params.Arguments)
}

func (s *Server) result(id json.RawMessage, v any) *domainMCP.Response {
	resp, err := domainMCP.NewResult(id, v)
	if err != nil {
		return domainMCP.NewErrorResponse(id, domainMCP.ErrorCodeInternalError, "failed to encode result")
	}
	return resp
}

// write sends one response line. Responses from concurrent calls never interleave.
func (s *Server) write(resp *domainMCP.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
