// Package client is a Go client for the cursordb IPC endpoint. One
// client multiplexes requests over a single unix socket connection;
// calls are serialized, matching the one-frame-at-a-time protocol.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/kartikbazzad/cursordb/internal/ipc"
)

var (
	ErrConnectionFailed = errors.New("failed to connect to server")
	ErrInvalidResponse  = errors.New("invalid response from server")
	ErrNotConnected     = errors.New("client is not connected")
)

// ServerError is a failure reported by the server, carrying its stable
// error number.
type ServerError struct {
	Num     int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Num, e.Message)
}

// QueryRequest mirrors the cursor creation body.
type QueryRequest struct {
	Query     string                 `json:"query"`
	BindVars  map[string]interface{} `json:"bindVars,omitempty"`
	Count     bool                   `json:"count,omitempty"`
	BatchSize *int                   `json:"batchSize,omitempty"`
	TTL       *float64               `json:"ttl,omitempty"`
	Cache     *bool                  `json:"cache,omitempty"`
}

// Batch is one result batch. ID is empty when no cursor remains.
type Batch struct {
	ID      string        `json:"id,omitempty"`
	Result  []interface{} `json:"result"`
	HasMore bool          `json:"hasMore"`
	Count   *int          `json:"count,omitempty"`
	Cached  bool          `json:"cached"`
}

// QueryInfo is the outcome of validating a query.
type QueryInfo struct {
	BindVars    []string `json:"bindVars"`
	Collections []string `json:"collections"`
}

// CacheProperties holds the result cache configuration.
type CacheProperties struct {
	Mode       string `json:"mode"`
	MaxResults int    `json:"maxResults"`
}

type Client struct {
	socketPath string
	conn       net.Conn
	mu         sync.Mutex
	requestID  uint64
}

func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		requestID:  1,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return ErrConnectionFailed
	}

	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// do sends one command frame and decodes the response body into out.
func (c *Client) do(cmd uint8, payload interface{}, out interface{}) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	id := c.requestID
	c.requestID++

	frame, err := ipc.EncodeRequest(&ipc.RequestFrame{RequestID: id, Command: cmd, Payload: raw})
	if err != nil {
		return err
	}
	if err := ipc.WriteFrame(c.conn, frame); err != nil {
		return err
	}

	data, err := ipc.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	resp, err := ipc.DecodeResponse(data)
	if err != nil {
		return err
	}
	if resp.RequestID != id {
		return ErrInvalidResponse
	}

	if resp.Status != ipc.StatusOK {
		var se struct {
			ErrorNum     int    `json:"errorNum"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(resp.Data, &se); err != nil {
			return ErrInvalidResponse
		}
		return &ServerError{Num: se.ErrorNum, Message: se.ErrorMessage}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Data))
	dec.UseNumber()
	return dec.Decode(out)
}

// CreateCursor runs a query and returns its first batch.
func (c *Client) CreateCursor(req *QueryRequest) (*Batch, error) {
	var b Batch
	if err := c.do(ipc.CmdCreateCursor, req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ContinueCursor pulls the next batch for a cursor id.
func (c *Client) ContinueCursor(id string) (*Batch, error) {
	var b Batch
	if err := c.do(ipc.CmdContinueCursor, map[string]string{"id": id}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DisposeCursor removes a cursor.
func (c *Client) DisposeCursor(id string) error {
	return c.do(ipc.CmdDisposeCursor, map[string]string{"id": id}, nil)
}

// ValidateQuery parses a query without executing it.
func (c *Client) ValidateQuery(query string) (*QueryInfo, error) {
	var info QueryInfo
	if err := c.do(ipc.CmdValidateQuery, map[string]string{"query": query}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CacheProperties reads the result cache configuration.
func (c *Client) CacheProperties() (*CacheProperties, error) {
	var props CacheProperties
	if err := c.do(ipc.CmdCacheProperties, nil, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SetCacheProperties updates mode and/or maxResults; nil leaves a
// property unchanged.
func (c *Client) SetCacheProperties(mode *string, maxResults *int) (*CacheProperties, error) {
	body := map[string]interface{}{}
	if mode != nil {
		body["mode"] = *mode
	}
	if maxResults != nil {
		body["maxResults"] = *maxResults
	}
	var props CacheProperties
	if err := c.do(ipc.CmdSetCacheProperties, body, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ClearCache drops every cached query result.
func (c *Client) ClearCache() error {
	return c.do(ipc.CmdClearCache, nil, nil)
}

// CreateCollection registers a new empty collection.
func (c *Client) CreateCollection(name string) error {
	return c.do(ipc.CmdCreateCollection, map[string]string{"name": name}, nil)
}

// InsertDocument stores a document and returns its _key.
func (c *Client) InsertDocument(collection string, document interface{}) (string, error) {
	var out struct {
		Key string `json:"_key"`
	}
	err := c.do(ipc.CmdInsertDocument, map[string]interface{}{
		"collection": collection,
		"document":   document,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Key, nil
}

// Collections lists collection names.
func (c *Client) Collections() ([]string, error) {
	var out struct {
		Result []string `json:"result"`
	}
	if err := c.do(ipc.CmdListCollections, nil, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}
