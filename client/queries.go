package client

import (
	"fmt"

	"github.com/vinayprograms/taskhub/protocol"
)

// Query sends req to the hub and returns its reply. A reply carrying an
// error is returned as that error.
func (c *Client) Query(req *protocol.QueryRequest) (*protocol.QueryReply, error) {
	data, err := c.codec.Marshal(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.bus.Request(protocol.SubjectQuery, data, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Type, err)
	}
	var reply protocol.QueryReply
	if err := c.codec.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("%s reply: %w", req.Type, err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Connection returns the hub's endpoints and the registered engines.
func (c *Client) Connection() (*protocol.QueryReply, error) {
	return c.Query(&protocol.QueryRequest{Type: protocol.QueryConnection})
}

// QueueStatus reports per-engine counts. No targets means every engine.
func (c *Client) QueueStatus(verbose bool, targets ...int) (*protocol.QueryReply, error) {
	return c.Query(&protocol.QueryRequest{Type: protocol.QueueRequest, Verbose: verbose, Targets: targets})
}

// Loads reports the outstanding task count of each engine.
func (c *Client) Loads(targets ...int) (map[int]int, error) {
	reply, err := c.Query(&protocol.QueryRequest{Type: protocol.LoadRequest, Targets: targets})
	if err != nil {
		return nil, err
	}
	return reply.Loads, nil
}

// Results fetches stored results. With no ids the hub lists its pending and
// completed tasks instead.
func (c *Client) Results(statusOnly bool, msgIDs ...string) (*protocol.QueryReply, error) {
	return c.Query(&protocol.QueryRequest{Type: protocol.ResultRequest, MsgIDs: msgIDs, StatusOnly: statusOnly})
}

// Purge drops finished records: all of them, the given tasks, or those
// that ran on the given engines.
func (c *Client) Purge(all bool, msgIDs []string, engineIDs []int) error {
	_, err := c.Query(&protocol.QueryRequest{
		Type:      protocol.PurgeRequest,
		All:       all,
		MsgIDs:    msgIDs,
		EngineIDs: engineIDs,
	})
	return err
}

// History lists submitted msg_ids, oldest first.
func (c *Client) History() ([]string, error) {
	reply, err := c.Query(&protocol.QueryRequest{Type: protocol.HistoryRequest})
	if err != nil {
		return nil, err
	}
	return reply.History, nil
}

// DB runs a record store query. Keys limits the returned fields.
func (c *Client) DB(query map[string]any, keys ...string) ([]map[string]any, error) {
	reply, err := c.Query(&protocol.QueryRequest{Type: protocol.DBRequest, Query: query, Keys: keys})
	if err != nil {
		return nil, err
	}
	return reply.Records, nil
}

// Resubmit runs finished tasks again under new ids and returns the mapping
// from old to new id. Results for the new ids go to the original client.
func (c *Client) Resubmit(msgIDs ...string) (map[string]string, error) {
	reply, err := c.Query(&protocol.QueryRequest{Type: protocol.ResubmitRequest, MsgIDs: msgIDs})
	if err != nil {
		return nil, err
	}
	return reply.Resubmitted, nil
}

// Shutdown asks the hub to shut the controller down.
func (c *Client) Shutdown() error {
	_, err := c.Query(&protocol.QueryRequest{Type: protocol.ShutdownRequest})
	return err
}
