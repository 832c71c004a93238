package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/fhemarket/internal/protocol"
	"github.com/ent0n29/fhemarket/internal/taskruntime"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams state snapshots and status changes, and accepts
// client_control actions that run against the orchestrator.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.runtime.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 256)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.ObserveWSMessage("outbound", "drop_full")
		}
	}
	if err := s.writeWS(conn, protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, Reason: "initial", State: s.runtime.Snapshot()}); err != nil {
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.Reason == "status" {
					st := evt.State.Status
					if err := s.writeWS(conn, protocol.StatusEvent{
						Type:       protocol.TypeStatusEvent,
						Visible:    st.Visible,
						Kind:       string(st.Kind),
						Message:    st.Message,
						Generation: st.Generation,
					}); err != nil {
						cancel()
						return
					}
				}
				msg = protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, Reason: evt.Reason, State: evt.State}
			case msg = <-outbound:
			}
			if err := s.writeWS(conn, msg); err != nil {
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.wallet.Touch()
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		control := parsed.(protocol.ClientControl)
		s.metrics.ObserveWSMessage("inbound", string(control.Type))

		// Actions may wait on ledger finality; run them off the read loop.
		go func() {
			result, err := s.dispatch(context.WithoutCancel(ctx), control)
			if err != nil {
				_, code := classifyError(err)
				enqueue(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Action:    control.Action,
					RequestID: control.RequestID,
					Code:      code,
					Source:    "runtime",
					Retryable: code == "busy" || code == "upstream_error",
					Detail:    err.Error(),
				})
				return
			}
			enqueue(protocol.ActionResult{
				Type:      protocol.TypeActionResult,
				Action:    control.Action,
				RequestID: control.RequestID,
				OK:        true,
				Result:    result,
			})
		}()
	}

	cancel()
	<-writerDone
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveWSMessage("outbound", "write_error")
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, msg protocol.ClientControl) (any, error) {
	switch msg.Action {
	case protocol.ActionRefresh:
		if !s.wallet.Current().Connected() {
			return nil, errNotConnected
		}
		return nil, s.runtime.Refresh(ctx)
	case protocol.ActionCheckAvailability:
		ok, err := s.runtime.CheckAvailability(ctx)
		return map[string]bool{"available": ok}, err
	case protocol.ActionInitialize:
		if !s.wallet.Current().Connected() {
			return nil, errNotConnected
		}
		return nil, s.runtime.Bootstrap(ctx)
	case protocol.ActionOpenForm:
		return s.runtime.OpenForm(), nil
	case protocol.ActionCloseForm:
		return s.runtime.CloseForm(), nil
	case protocol.ActionUpdateForm:
		return s.runtime.UpdateForm(tasks.Form{
			Name:         msg.Form.Name,
			ComputeValue: msg.Form.ComputeValue,
			Description:  msg.Form.Description,
		}), nil
	case protocol.ActionCreate:
		return s.runtime.Create(ctx)
	case protocol.ActionSelect:
		return s.runtime.Select(msg.TaskID)
	case protocol.ActionCloseDetail:
		s.runtime.CloseDetail()
		return nil, nil
	case protocol.ActionDecrypt:
		return s.decrypt(ctx, msg.TaskID)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnsupportedAction, msg.Action)
	}
}

// decrypt reuses a value already revealed for the open detail view.
func (s *Server) decrypt(ctx context.Context, taskID string) (taskruntime.Decryption, error) {
	if sel := s.runtime.Snapshot().Selected; sel != nil && sel.TaskID == taskID {
		return s.runtime.DecryptSelected(ctx)
	}
	return s.runtime.DecryptAndVerify(ctx, taskID)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StateSnapshot:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.ActionResult:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
