package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"offload/internal/daemon"
	"offload/internal/history"
	"offload/internal/logging"
	"offload/internal/session"
)

// maxEventWait caps how long a single Events call may block.
const maxEventWait = 30 * time.Second

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Open client
// connections finish their in-flight call first.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status()
	resp.Running = status.Running
	resp.PID = status.PID
	resp.LockPath = status.LockFilePath
	resp.LastSequence = status.LastSequence
	resp.Busy = status.Session.Busy
	resp.Paused = status.Session.Paused
	resp.SessionID = status.Session.SessionID
	resp.Destination = status.Session.Destination
	resp.FreeSpace = status.Session.FreeSpace
	if card := status.Session.Card; card != nil {
		converted := convertCard(*card)
		resp.Card = &converted
	}
	if last := status.Session.Last; last != nil {
		resp.Last = &SessionOutcome{
			SessionID:   last.SessionID,
			Status:      last.Status,
			Copied:      last.Copied,
			Failed:      last.Failed,
			Destination: last.Destination,
			Summary:     last.Summary,
			FinishedAt:  last.FinishedAt.Format(time.RFC3339),
		}
	}
	resp.Dependencies = make([]DependencyStatus, 0, len(status.Dependencies))
	for _, dep := range status.Dependencies {
		resp.Dependencies = append(resp.Dependencies, DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		})
	}
	return nil
}

func (s *service) StartOperation(req StartOperationRequest, resp *StartOperationResponse) error {
	ctrl := s.daemon.Controller()
	destination, err := s.resolveDestination(ctrl, req)
	if err != nil {
		return err
	}
	start := ctrl.DefaultRequest(destination)
	start.Sources = req.Sources
	if mode := strings.TrimSpace(req.Mode); mode != "" {
		start.Mode = mode
	}
	if req.Verify != nil {
		start.Verify = *req.Verify
	}
	if req.Continuous != nil {
		start.Continuous = *req.Continuous
	}
	id, err := ctrl.Start(start)
	if err != nil {
		return err
	}
	resp.SessionID = id
	resp.Destination = destination
	s.log().Info("copy started via IPC",
		logging.String(logging.FieldEventType, "ipc_start_operation"),
		logging.String(logging.FieldSessionID, id),
		logging.String("destination", destination))
	return nil
}

func (s *service) resolveDestination(ctrl *session.Controller, req StartOperationRequest) (string, error) {
	selected := 0
	for _, set := range []bool{strings.TrimSpace(req.Destination) != "", strings.TrimSpace(req.Subfolder) != "", req.Resume} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return "", errors.New("exactly one of destination, subfolder, or resume is required")
	}
	switch {
	case req.Resume:
		return ctrl.ResumeDestination()
	case strings.TrimSpace(req.Subfolder) != "":
		return ctrl.ManualDestination(req.Subfolder)
	default:
		return strings.TrimSpace(req.Destination), nil
	}
}

func (s *service) Cancel(_ CancelRequest, resp *CancelResponse) error {
	if err := s.daemon.Controller().Cancel(); err != nil {
		return err
	}
	resp.Canceled = true
	s.log().Info("copy cancel requested via IPC", logging.String(logging.FieldEventType, "ipc_cancel"))
	return nil
}

func (s *service) TogglePause(_ TogglePauseRequest, resp *TogglePauseResponse) error {
	paused, err := s.daemon.Controller().TogglePause()
	if err != nil {
		return err
	}
	resp.Paused = paused
	return nil
}

func (s *service) Eject(_ EjectRequest, resp *EjectResponse) error {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	if err := s.daemon.Controller().Eject(ctx); err != nil {
		return err
	}
	resp.Ejected = true
	return nil
}

func (s *service) Rescan(_ RescanRequest, resp *RescanResponse) error {
	card, err := s.daemon.Controller().Rescan()
	if err != nil {
		return err
	}
	resp.Card = convertCard(card)
	return nil
}

func (s *service) Events(req EventsRequest, resp *EventsResponse) error {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait > maxEventWait {
		wait = maxEventWait
	}
	ctx := s.ctx
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait)
		defer cancel()
	}
	batch, next, err := s.daemon.Hub().Read(ctx, req.Since, req.Limit, wait > 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			resp.Next = req.Since
			return nil
		}
		return err
	}
	resp.Events = batch
	resp.Next = next
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	rows, err := s.daemon.Ledger().Rows()
	if err != nil {
		return err
	}
	card := strings.TrimSpace(req.CardID)
	resp.Rows = make([]HistoryRow, 0, len(rows))
	for _, row := range rows {
		if card != "" && row.Card != card {
			continue
		}
		resp.Rows = append(resp.Rows, HistoryRow{
			CardID:      row.Card,
			Destination: row.Destination,
			Timestamp:   row.Timestamp,
			Status:      row.Status,
		})
	}
	return nil
}

func (s *service) DeleteHistory(req DeleteHistoryRequest, resp *DeleteHistoryResponse) error {
	card := strings.TrimSpace(req.CardID)
	if card == "" {
		return errors.New("card id is required")
	}
	ledger := s.daemon.Ledger()
	var err error
	switch {
	case req.All:
		err = ledger.DeleteAll(card)
	case strings.TrimSpace(req.Timestamp) != "":
		err = ledger.Delete(card, strings.TrimSpace(req.Timestamp))
	default:
		return errors.New("timestamp or all is required")
	}
	if err != nil {
		if errors.Is(err, history.ErrNotFound) || errors.Is(err, history.ErrNoHistory) {
			return fmt.Errorf("no matching history for card %s", card)
		}
		return err
	}
	resp.Deleted = true
	s.log().Info("history deleted via IPC",
		logging.String(logging.FieldEventType, "ipc_history_delete"),
		logging.String(logging.FieldCardID, card),
		logging.Bool("all", req.All))
	return nil
}

func convertCard(card session.CardInfo) CardStatus {
	return CardStatus{
		ID:                card.ID,
		Name:              card.Name,
		Path:              card.Path,
		IdentityAvailable: card.IdentityAvailable,
		LastDestination:   card.LastDestination,
		Folders:           append([]string(nil), card.Folders...),
		Brands:            append([]string(nil), card.Brands...),
	}
}
