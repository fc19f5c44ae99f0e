package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/kartikbazzad/cursordb/internal/api"
	"github.com/kartikbazzad/cursordb/internal/config"
	"github.com/kartikbazzad/cursordb/internal/logger"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Mode = "off"
	a, err := api.New(cfg, logger.New(io.Discard, logger.LevelError, "[test]"), nil)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	return NewHandler(a)
}

func call(t *testing.T, h *Handler, cmd uint8, payload string) (*ResponseFrame, map[string]interface{}) {
	t.Helper()
	resp := h.Handle(&RequestFrame{RequestID: 7, Command: cmd, Payload: []byte(payload)})
	if resp.RequestID != 7 {
		t.Fatalf("request id not echoed: %d", resp.RequestID)
	}

	var body map[string]interface{}
	if len(resp.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(resp.Data))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			t.Fatalf("undecodable response %q: %v", resp.Data, err)
		}
	}
	return resp, body
}

func TestHandle_CursorLifecycle(t *testing.T) {
	h := testHandler(t)

	resp, body := call(t, h, CmdCreateCursor, `{"query":"FOR i IN 1..5 RETURN i","count":true,"batchSize":2}`)
	if resp.Status != StatusOK {
		t.Fatalf("create failed: %s", resp.Data)
	}
	id, _ := body["id"].(string)
	if id == "" || body["hasMore"] != true {
		t.Fatalf("create body: %v", body)
	}
	if count, _ := body["count"].(json.Number); string(count) != "5" {
		t.Errorf("count = %v", body["count"])
	}

	resp, body = call(t, h, CmdContinueCursor, `{"id":"`+id+`"}`)
	if resp.Status != StatusOK || body["hasMore"] != true {
		t.Fatalf("continue: %v", body)
	}

	resp, body = call(t, h, CmdContinueCursor, `{"id":"`+id+`"}`)
	if resp.Status != StatusOK || body["hasMore"] != false {
		t.Fatalf("final continue: %v", body)
	}
	if _, present := body["id"]; present {
		t.Error("final batch must omit the id")
	}

	resp, body = call(t, h, CmdContinueCursor, `{"id":"`+id+`"}`)
	if resp.Status != StatusError {
		t.Fatal("fetch after exhaustion should fail")
	}
	if num, _ := body["errorNum"].(json.Number); string(num) != "1600" {
		t.Errorf("errorNum = %v", body["errorNum"])
	}
}

func TestHandle_Dispose(t *testing.T) {
	h := testHandler(t)

	_, body := call(t, h, CmdCreateCursor, `{"query":"FOR i IN 1..100 RETURN i","batchSize":10}`)
	id := body["id"].(string)

	resp, body := call(t, h, CmdDisposeCursor, `{"id":"`+id+`"}`)
	if resp.Status != StatusOK || body["id"] != id {
		t.Fatalf("dispose: %v", body)
	}

	resp, body = call(t, h, CmdDisposeCursor, `{"id":"`+id+`"}`)
	if resp.Status != StatusError {
		t.Fatal("repeat dispose should fail")
	}
	if num, _ := body["errorNum"].(json.Number); string(num) != "1600" {
		t.Errorf("errorNum = %v", body["errorNum"])
	}
}

func TestHandle_Validate(t *testing.T) {
	h := testHandler(t)

	resp, body := call(t, h, CmdValidateQuery, `{"query":"FOR d IN users RETURN d"}`)
	if resp.Status != StatusOK {
		t.Fatalf("validate: %s", resp.Data)
	}
	colls := body["collections"].([]interface{})
	if len(colls) != 1 || colls[0] != "users" {
		t.Errorf("collections = %v", colls)
	}

	resp, body = call(t, h, CmdValidateQuery, `{"query":"NOT AQL"}`)
	if resp.Status != StatusError {
		t.Fatal("invalid query should fail")
	}
	if num, _ := body["errorNum"].(json.Number); string(num) != "1501" {
		t.Errorf("errorNum = %v", body["errorNum"])
	}
}

func TestHandle_CollectionsAndDocuments(t *testing.T) {
	h := testHandler(t)

	resp, _ := call(t, h, CmdCreateCollection, `{"name":"docs"}`)
	if resp.Status != StatusOK {
		t.Fatalf("create collection: %s", resp.Data)
	}

	resp, body := call(t, h, CmdInsertDocument, `{"collection":"docs","document":{"v":4e262}}`)
	if resp.Status != StatusOK {
		t.Fatalf("insert: %s", resp.Data)
	}
	if key, _ := body["_key"].(string); key == "" {
		t.Error("insert response lacks _key")
	}

	resp, body = call(t, h, CmdListCollections, "")
	if resp.Status != StatusOK {
		t.Fatalf("list: %s", resp.Data)
	}
	names := body["result"].([]interface{})
	if len(names) != 1 || names[0] != "docs" {
		t.Errorf("collections = %v", names)
	}

	resp, _ = call(t, h, CmdCreateCursor, `{"query":"FOR d IN docs RETURN d.v"}`)
	if resp.Status != StatusOK {
		t.Fatalf("query: %s", resp.Data)
	}
	if !bytes.Contains(resp.Data, []byte("4e262")) {
		t.Errorf("stored literal lost over IPC: %s", resp.Data)
	}
}

func TestHandle_CacheCommands(t *testing.T) {
	h := testHandler(t)

	resp, body := call(t, h, CmdCacheProperties, "")
	if resp.Status != StatusOK || body["mode"] != "off" {
		t.Fatalf("properties: %v", body)
	}

	resp, body = call(t, h, CmdSetCacheProperties, `{"mode":"on","maxResults":4}`)
	if resp.Status != StatusOK || body["mode"] != "on" {
		t.Fatalf("set properties: %v", body)
	}

	resp, _ = call(t, h, CmdClearCache, "")
	if resp.Status != StatusOK {
		t.Fatalf("clear: %s", resp.Data)
	}
}

func TestHandle_BadRequests(t *testing.T) {
	h := testHandler(t)

	resp, body := call(t, h, CmdCreateCursor, "")
	if resp.Status != StatusError {
		t.Fatal("empty payload should fail")
	}
	if num, _ := body["errorNum"].(json.Number); string(num) != "600" {
		t.Errorf("errorNum = %v", body["errorNum"])
	}

	resp, body = call(t, h, CmdContinueCursor, `{}`)
	if resp.Status != StatusError {
		t.Fatal("missing id should fail")
	}
	if num, _ := body["errorNum"].(json.Number); string(num) != "400" {
		t.Errorf("errorNum = %v", body["errorNum"])
	}

	resp, _ = call(t, h, 99, `{}`)
	if resp.Status != StatusError {
		t.Error("unknown command should fail")
	}
}

func TestProtocol_RequestRoundTrip(t *testing.T) {
	in := &RequestFrame{RequestID: 42, Command: CmdCreateCursor, Payload: []byte(`{"query":"RETURN 1"}`)}

	raw, err := EncodeRequest(in)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	out, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if out.RequestID != in.RequestID || out.Command != in.Command || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestProtocol_ResponseRoundTrip(t *testing.T) {
	in := &ResponseFrame{RequestID: 42, Status: StatusError, Data: []byte(`{"errorNum":1600}`)}

	raw, err := EncodeResponse(in)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	out, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if out.RequestID != in.RequestID || out.Status != in.Status || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestProtocol_Invalid(t *testing.T) {
	if _, err := DecodeRequest([]byte{1, 2, 3}); err == nil {
		t.Error("truncated request should fail")
	}
	if _, err := DecodeRequest(append(bytes.Repeat([]byte{0}, 13), 9, 0, 0, 0)); err == nil {
		t.Error("length past the buffer should fail")
	}
}

func TestFrameIO(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frames")

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("frame = %q", got)
	}
}
