package hub

import (
	"context"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/protocol"
	"github.com/vinayprograms/taskhub/recordstore"
)

// taskQueue is the queue name recorded for scheduler-routed tasks.
const taskQueue = "task"

// requestHeader is the part of a submission kept in Record.Header so the
// task can be resubmitted later.
type requestHeader struct {
	Header   protocol.TaskHeader   `json:"header"`
	Metadata protocol.TaskMetadata `json:"metadata"`
}

func (h *Hub) handleMonitorSubmit(msg *bus.Message) {
	var env protocol.TaskEnvelope
	if err := h.codec.Unmarshal(msg.Data, &env); err != nil {
		h.logger.Warn("malformed submission", map[string]interface{}{"error": err.Error()})
		return
	}
	id := env.Header.MsgID
	if id == "" {
		h.logger.Warn("submission without msg_id")
		return
	}

	submitted := env.Header.Date.UTC()
	if env.Header.Date.IsZero() {
		submitted = time.Now().UTC()
	}
	rec := &recordstore.Record{
		MsgID:     id,
		ClientID:  env.Header.ClientID,
		Queue:     taskQueue,
		Submitted: &submitted,
		Retries:   recordstore.Ptr(env.Metadata.Retries),
		Targets:   env.Metadata.Targets,
		After:     env.Metadata.After.IDs,
		Follow:    env.Metadata.Follow.IDs,
		Content:   env.Content,
		Buffers:   env.Buffers,
	}
	if header, err := h.codec.Marshal(requestHeader{Header: env.Header, Metadata: env.Metadata}); err == nil {
		rec.Header = header
	}

	if !h.completed.has(id) {
		h.pending.add(id)
		if _, assigned := h.engineOf[id]; !assigned {
			h.unassigned.add(id)
		}
	}
	h.record(rec, false)
}

func (h *Hub) handleMonitorDestination(msg *bus.Message) {
	var dest protocol.DestinationMessage
	if err := h.codec.Unmarshal(msg.Data, &dest); err != nil {
		h.logger.Warn("malformed destination", map[string]interface{}{"error": err.Error()})
		return
	}
	ec, ok := h.byQueue[dest.Engine]
	if !ok {
		h.logger.Warn("task assigned to unknown engine", map[string]interface{}{
			"msg_id": dest.MsgID,
			"engine": dest.Engine,
		})
		return
	}
	// retries move a task between engines
	if prev, ok := h.engineOf[dest.MsgID]; ok && prev != ec {
		prev.pending.remove(dest.MsgID)
	}
	h.engineOf[dest.MsgID] = ec
	ec.pending.add(dest.MsgID)
	h.unassigned.remove(dest.MsgID)
	if !h.completed.has(dest.MsgID) {
		h.pending.add(dest.MsgID)
	}

	h.logger.Debug("task assigned", map[string]interface{}{"msg_id": dest.MsgID, "engine": dest.Engine})
	h.record(&recordstore.Record{MsgID: dest.MsgID, EngineIdent: dest.Engine}, true)
}

func (h *Hub) handleMonitorResult(msg *bus.Message) {
	var res protocol.ResultEnvelope
	if err := h.codec.Unmarshal(msg.Data, &res); err != nil {
		h.logger.Warn("malformed result", map[string]interface{}{"error": err.Error()})
		return
	}
	if res.ParentID == "" {
		h.logger.Warn("result without parent_id")
		return
	}
	h.saveResult(&res)
}

// saveResult closes a task's bookkeeping and stores its outcome.
func (h *Hub) saveResult(res *protocol.ResultEnvelope) {
	id := res.ParentID
	h.pending.remove(id)
	h.unassigned.remove(id)
	h.completed.add(id)

	ec := h.engineOf[id]
	if ec == nil && res.Engine != "" {
		ec = h.byQueue[res.Engine]
	}
	if ec != nil {
		ec.pending.remove(id)
		if ec.completed != nil {
			if res.Succeeded() {
				ec.completed.add(id)
			} else {
				ec.failed.add(id)
			}
		}
	}
	delete(h.engineOf, id)

	now := time.Now().UTC()
	completed := res.Completed
	if completed == nil {
		completed = &now
	}
	rec := &recordstore.Record{
		MsgID:         id,
		ClientID:      res.ClientID,
		EngineIdent:   res.Engine,
		Status:        string(res.Status),
		Started:       res.Started,
		Completed:     completed,
		Received:      &now,
		ResultContent: res.Content,
		ResultBuffers: res.Buffers,
		ErrorName:     res.EName,
		ErrorValue:    res.EValue,
	}
	header := *res
	header.Content, header.Buffers = nil, nil
	if data, err := h.codec.Marshal(header); err == nil {
		rec.ResultHeader = data
	}
	h.logger.Debug("task finished", map[string]interface{}{"msg_id": id, "status": rec.Status})
	h.record(rec, false)
}

func (h *Hub) handleIOPub(msg *bus.Message) {
	var out protocol.IOPubMessage
	if err := h.codec.Unmarshal(msg.Data, &out); err != nil {
		h.logger.Warn("malformed iopub message", map[string]interface{}{"error": err.Error()})
		return
	}
	if out.ParentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	existing, err := h.store.Get(ctx, out.ParentID)
	switch {
	case recordstore.IsNotFound(err):
		existing = &recordstore.Record{MsgID: out.ParentID}
	case err != nil:
		h.logger.Debug("iopub for unavailable record", map[string]interface{}{
			"msg_id": out.ParentID,
			"error":  err.Error(),
		})
		return
	}

	partial := &recordstore.Record{MsgID: out.ParentID}
	switch out.Kind {
	case protocol.IOPubStream:
		if out.Name == "stderr" {
			partial.Stderr = existing.Stderr + out.Text
		} else {
			partial.Stdout = existing.Stdout + out.Text
		}
	case protocol.IOPubError:
		partial.ErrorName, partial.ErrorValue = out.EName, out.EValue
	default:
		h.logger.Debug("ignoring iopub message", map[string]interface{}{"kind": out.Kind})
		return
	}
	h.record(partial, true)
}

// record writes rec, adding it when missing. Unless overwrite is set,
// fields already stored with a different value are kept and the conflict
// is logged.
func (h *Hub) record(rec *recordstore.Record, overwrite bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	existing, err := h.store.Get(ctx, rec.MsgID)
	switch {
	case recordstore.IsNotFound(err):
		if err := h.store.Add(ctx, rec); err != nil {
			h.logger.Error("add record", map[string]interface{}{"msg_id": rec.MsgID, "error": err.Error()})
		}
		return
	case recordstore.IsCulled(err):
		h.logger.Debug("record culled, update skipped", map[string]interface{}{"msg_id": rec.MsgID})
		return
	case err != nil:
		h.logger.Error("get record", map[string]interface{}{"msg_id": rec.MsgID, "error": err.Error()})
		return
	}

	if !overwrite {
		if conflicts := existing.Conflicts(rec); len(conflicts) > 0 {
			h.logger.Warn("record update conflicts with stored values", map[string]interface{}{
				"msg_id": rec.MsgID,
				"fields": conflicts,
			})
			rec = rec.Without(conflicts...)
		}
	}
	if err := h.store.Update(ctx, rec.MsgID, rec); err != nil {
		h.logger.Error("update record", map[string]interface{}{"msg_id": rec.MsgID, "error": err.Error()})
	}
}
