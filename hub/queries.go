package hub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/protocol"
	"github.com/vinayprograms/taskhub/recordstore"
)

type queryHandler func(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error)

func (h *Hub) queryHandlers() map[string]queryHandler {
	return map[string]queryHandler{
		protocol.QueryConnection: h.connectionInfo,
		protocol.QueueRequest:    h.queueRequest,
		protocol.LoadRequest:     h.checkLoad,
		protocol.PurgeRequest:    h.purgeResults,
		protocol.ResultRequest:   h.getResults,
		protocol.HistoryRequest:  h.history,
		protocol.DBRequest:       h.dbRequest,
		protocol.ResubmitRequest: h.resubmit,
		protocol.ShutdownRequest: h.shutdownRequest,
	}
}

func (h *Hub) handleQuery(msg *bus.Message) {
	var req protocol.QueryRequest
	if err := h.codec.Unmarshal(msg.Data, &req); err != nil {
		h.metrics.Queries.WithLabelValues("unknown", string(protocol.StatusError)).Inc()
		h.reply(msg, protocol.ErrorReply(errors.InvalidRequest("malformed query: "+err.Error())))
		return
	}

	reply := h.dispatchQuery(&req)
	label := req.Type
	if _, ok := h.queryHandlers()[label]; !ok {
		label = "unknown"
	}
	h.metrics.Queries.WithLabelValues(label, string(reply.Status)).Inc()
	h.reply(msg, reply)
}

func (h *Hub) dispatchQuery(req *protocol.QueryRequest) (reply *protocol.QueryReply) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r)
			h.logger.Error("query handler panicked", map[string]interface{}{
				"type":  req.Type,
				"error": err.Error(),
			})
			reply = protocol.ErrorReply(err)
		}
	}()

	handler, ok := h.queryHandlers()[req.Type]
	if !ok {
		return protocol.ErrorReply(errors.InvalidRequest(fmt.Sprintf("unknown query type %q", req.Type)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	reply, err := handler(ctx, req)
	if err != nil {
		h.logger.Debug("query failed", map[string]interface{}{"type": req.Type, "error": err.Error()})
		return protocol.ErrorReply(err)
	}
	return reply
}

func (h *Hub) connectionInfo(_ context.Context, _ *protocol.QueryRequest) (*protocol.QueryReply, error) {
	reply := protocol.OK()
	endpoints := protocol.DefaultEndpoints()
	reply.Endpoints = &endpoints
	reply.Engines = make(map[int]string, len(h.engines))
	reply.Controls = make(map[int]string, len(h.engines))
	for id, ec := range h.engines {
		reply.Engines[id] = ec.Queue
		reply.Controls[id] = ec.Control
	}
	return reply, nil
}

// resolveTargets maps engine ids to engines. Nil means every engine.
func (h *Hub) resolveTargets(ids []int) ([]*engineConnector, error) {
	if ids == nil {
		out := make([]*engineConnector, 0, len(h.engines))
		for _, ec := range h.engines {
			out = append(out, ec)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	out := make([]*engineConnector, 0, len(ids))
	for _, id := range ids {
		ec, ok := h.engines[id]
		if !ok {
			return nil, errors.UnknownEngine(fmt.Sprintf("no engine with id %d", id))
		}
		out = append(out, ec)
	}
	return out, nil
}

func (h *Hub) queueRequest(_ context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	targets, err := h.resolveTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	return h.queueStatusOf(targets, req.Verbose), nil
}

// queueStatus reports on the given engine ids, or every engine when nil.
// Unknown ids are skipped.
func (h *Hub) queueStatus(ids []int, verbose bool) *protocol.QueryReply {
	var targets []*engineConnector
	if ids == nil {
		targets, _ = h.resolveTargets(nil)
	} else {
		for _, id := range ids {
			if ec, ok := h.engines[id]; ok {
				targets = append(targets, ec)
			}
		}
	}
	return h.queueStatusOf(targets, verbose)
}

func (h *Hub) queueStatusOf(targets []*engineConnector, verbose bool) *protocol.QueryReply {
	reply := protocol.OK()
	reply.Queues = make(map[int]protocol.QueueStatus, len(targets))
	for _, ec := range targets {
		qs := protocol.QueueStatus{
			Queue:     ec.Queue,
			Pending:   len(ec.pending),
			Completed: len(ec.completed),
			Failed:    len(ec.failed),
		}
		if verbose {
			qs.PendingIDs = ec.pending.sorted()
			qs.CompletedIDs = ec.completed.sorted()
			qs.FailedIDs = ec.failed.sorted()
		}
		reply.Queues[ec.ID] = qs
	}
	reply.Unassigned = len(h.unassigned)
	return reply
}

func (h *Hub) checkLoad(_ context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	targets, err := h.resolveTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	reply := protocol.OK()
	reply.Loads = make(map[int]int, len(targets))
	for _, ec := range targets {
		reply.Loads[ec.ID] = len(ec.pending)
	}
	return reply, nil
}

func (h *Hub) purgeResults(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	if !req.All && len(req.MsgIDs) == 0 && len(req.EngineIDs) == 0 {
		return nil, errors.InvalidRequest("purge_request needs all, msg_ids or engine_ids")
	}

	var dropped []string
	if req.All {
		ids, err := h.purgeMatching(ctx, map[string]any{
			recordstore.FieldCompleted: map[string]any{"$ne": nil},
		})
		if err != nil {
			return nil, err
		}
		dropped = append(dropped, ids...)
	} else {
		// validate everything before dropping anything
		for _, id := range req.MsgIDs {
			rec, err := h.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec.Pending() {
				return nil, errors.InvalidRequest("task is still pending", errors.WithMsgID(id))
			}
		}
		engines, err := h.resolveTargets(req.EngineIDs)
		if err != nil {
			return nil, err
		}
		if len(req.EngineIDs) == 0 {
			engines = nil
		}

		if len(req.MsgIDs) > 0 {
			ids, err := h.purgeMatching(ctx, map[string]any{
				recordstore.FieldMsgID: map[string]any{"$in": req.MsgIDs},
			})
			if err != nil {
				return nil, err
			}
			dropped = append(dropped, ids...)
		}
		for _, ec := range engines {
			ids, err := h.purgeMatching(ctx, map[string]any{
				recordstore.FieldEngineIdent: ec.Queue,
				recordstore.FieldCompleted:   map[string]any{"$ne": nil},
			})
			if err != nil {
				return nil, err
			}
			dropped = append(dropped, ids...)
		}
	}

	h.forget(dropped)
	h.logger.Info("records purged", map[string]interface{}{"count": len(dropped)})
	return protocol.OK(), nil
}

// purgeMatching drops the records matching doc and returns their ids.
func (h *Hub) purgeMatching(ctx context.Context, doc map[string]any) ([]string, error) {
	q, err := recordstore.ParseQuery(doc)
	if err != nil {
		return nil, err
	}
	recs, err := h.store.Find(ctx, q, []string{recordstore.FieldMsgID})
	if err != nil {
		return nil, err
	}
	if _, err := h.store.DropMatching(ctx, q); err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.MsgID
	}
	return ids, nil
}

// forget clears purged tasks from the per-engine bookkeeping.
func (h *Hub) forget(ids []string) {
	for _, id := range ids {
		h.completed.remove(id)
		for _, ec := range h.engines {
			ec.completed.remove(id)
			ec.failed.remove(id)
		}
	}
}

func (h *Hub) getResults(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	reply := protocol.OK()
	if len(req.MsgIDs) == 0 {
		reply.Pending = h.pending.sorted()
		reply.Completed = h.completed.sorted()
		return reply, nil
	}

	reply.Pending = []string{}
	reply.Completed = []string{}
	if !req.StatusOnly {
		reply.Results = make(map[string]*protocol.TaskResult)
	}
	for _, id := range req.MsgIDs {
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Pending() {
			reply.Pending = append(reply.Pending, id)
			continue
		}
		reply.Completed = append(reply.Completed, id)
		if !req.StatusOnly {
			reply.Results[id] = h.taskResult(rec)
		}
	}
	return reply, nil
}

func (h *Hub) taskResult(rec *recordstore.Record) *protocol.TaskResult {
	res := &protocol.TaskResult{
		Status:    protocol.Status(rec.Status),
		Engine:    rec.EngineIdent,
		Submitted: rec.Submitted,
		Started:   rec.Started,
		Completed: rec.Completed,
		Content:   rec.ResultContent,
		Buffers:   rec.ResultBuffers,
		EName:     rec.ErrorName,
		EValue:    rec.ErrorValue,
		Stdout:    rec.Stdout,
		Stderr:    rec.Stderr,
	}
	if ec, ok := h.byQueue[rec.EngineIdent]; ok {
		res.EngineID = recordstore.Ptr(ec.ID)
	}
	return res
}

func (h *Hub) history(ctx context.Context, _ *protocol.QueryRequest) (*protocol.QueryReply, error) {
	ids, err := h.store.History(ctx)
	if err != nil {
		return nil, err
	}
	reply := protocol.OK()
	reply.History = ids
	return reply, nil
}

func (h *Hub) dbRequest(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	q, err := recordstore.ParseQuery(req.Query)
	if err != nil {
		return nil, err
	}
	if err := recordstore.ValidateKeys(req.Keys); err != nil {
		return nil, err
	}
	recs, err := h.store.Find(ctx, q, req.Keys)
	if err != nil {
		return nil, err
	}
	reply := protocol.OK()
	reply.Records = make([]map[string]any, len(recs))
	for i, rec := range recs {
		reply.Records[i] = rec.Map(req.Keys)
	}
	return reply, nil
}

// resubmit sends finished tasks to the scheduler again under fresh
// msg_ids. The old record keeps its result and points at the new id.
func (h *Hub) resubmit(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	if len(req.MsgIDs) == 0 {
		return nil, errors.InvalidRequest("resubmit_request needs msg_ids")
	}
	envs := make([]*protocol.TaskEnvelope, 0, len(req.MsgIDs))
	for _, id := range req.MsgIDs {
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Pending() {
			return nil, errors.InvalidRequest("task is still pending", errors.WithMsgID(id))
		}
		envs = append(envs, h.rebuildEnvelope(rec))
	}

	reply := protocol.OK()
	reply.Resubmitted = make(map[string]string, len(envs))
	for i, env := range envs {
		old := req.MsgIDs[i]
		env.Header.MsgID = uuid.NewString()
		env.Header.Date = time.Now().UTC()
		h.send(protocol.SubjectSubmit, env)
		h.record(&recordstore.Record{MsgID: old, Resubmitted: env.Header.MsgID}, true)
		reply.Resubmitted[old] = env.Header.MsgID
		h.logger.Info("task resubmitted", map[string]interface{}{"msg_id": old, "new_msg_id": env.Header.MsgID})
	}
	return reply, nil
}

// rebuildEnvelope recovers the submission from the stored header, falling
// back to the record fields when the header is missing or unreadable.
func (h *Hub) rebuildEnvelope(rec *recordstore.Record) *protocol.TaskEnvelope {
	env := &protocol.TaskEnvelope{Content: rec.Content, Buffers: rec.Buffers}
	var saved requestHeader
	if len(rec.Header) > 0 && h.codec.Unmarshal(rec.Header, &saved) == nil {
		env.Header = saved.Header
		env.Metadata = saved.Metadata
		return env
	}
	env.Header.ClientID = rec.ClientID
	env.Metadata.Targets = rec.Targets
	env.Metadata.After = protocol.AllSucceeded(rec.After...)
	env.Metadata.Follow = protocol.AllSucceeded(rec.Follow...)
	if len(rec.After) == 0 {
		env.Metadata.After = protocol.DependencySpec{}
	}
	if len(rec.Follow) == 0 {
		env.Metadata.Follow = protocol.DependencySpec{}
	}
	if rec.Retries != nil {
		env.Metadata.Retries = *rec.Retries
	}
	return env
}

func (h *Hub) shutdownRequest(_ context.Context, _ *protocol.QueryRequest) (*protocol.QueryReply, error) {
	if h.shuttingDown {
		return protocol.OK(), nil
	}
	h.shuttingDown = true
	h.logger.Info("shutdown requested", map[string]interface{}{"delay": h.cfg.ShutdownDelay.String()})
	h.notify(protocol.NotifyShutdown, nil)
	if h.onShutdown != nil {
		time.AfterFunc(h.cfg.ShutdownDelay, h.onShutdown)
	}
	return protocol.OK(), nil
}
