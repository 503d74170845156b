package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// writeWait bounds one outbound websocket write.
const writeWait = 10 * time.Second

// Client is one live protocol connection. Send and the typed helpers are
// safe for concurrent use; Recv must be called from a single goroutine.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// SyncURL converts a backend base URL into the websocket endpoint:
// http becomes ws, https becomes wss, and the sync path is appended.
func SyncURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("backend url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	u.Path = "/api/sync"
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects to the sync endpoint with a bearer token. A 401 on the
// handshake surfaces as errdefs.ErrUnauthorized so callers can tell a bad
// token from an unreachable server.
func Dial(ctx context.Context, baseURL, token string) (*Client, error) {
	endpoint, err := SyncURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("handshake rejected: %w", errdefs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &Client{ws: ws}, nil
}

// Close performs the websocket closing handshake and drops the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Send writes one frame.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Kind, err)
	}
	return nil
}

// Recv blocks for the next frame. Server pings are answered by the
// transport underneath; only data frames surface here.
func (c *Client) Recv() (protocol.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}

// Subscribe asks for a document's full state. The document-state frame
// arrives on the stream, not as a return value, because updates for other
// documents may be interleaved ahead of it.
func (c *Client) Subscribe(bucketID, filePath string) error {
	return c.Send(protocol.Message{Kind: protocol.KindSubscribe, BucketID: bucketID, FilePath: filePath})
}

// Unsubscribe releases a document subscription.
func (c *Client) Unsubscribe(bucketID, filePath string) error {
	return c.Send(protocol.Message{Kind: protocol.KindUnsubscribe, BucketID: bucketID, FilePath: filePath})
}

// SendUpdate pushes CRDT update bytes for a subscribed document.
func (c *Client) SendUpdate(key types.DocumentKey, update []byte, origin types.Origin) error {
	return c.Send(protocol.UpdateFrame(key, update, origin))
}

// SendTreeChange announces a file creation or deletion.
func (c *Client) SendTreeChange(bucketID, filePath string, action types.TreeAction) error {
	return c.Send(protocol.Message{
		Kind:     protocol.KindFileTreeChange,
		BucketID: bucketID,
		FilePath: filePath,
		Action:   action,
	})
}

// RequestFileList asks for the bucket's object paths; the file-list frame
// arrives on the stream.
func (c *Client) RequestFileList(bucketID string) error {
	return c.Send(protocol.Message{Kind: protocol.KindListFiles, BucketID: bucketID})
}

// roundTrip sends a frame and reads the stream until the expected reply or
// an error frame arrives. Only for dedicated administrative connections,
// where no fan-out traffic interleaves.
func (c *Client) roundTrip(msg protocol.Message, want protocol.Kind) (protocol.Message, error) {
	if err := c.Send(msg); err != nil {
		return protocol.Message{}, err
	}
	for {
		reply, err := c.Recv()
		if err != nil {
			return protocol.Message{}, err
		}
		switch reply.Kind {
		case want:
			return reply, nil
		case protocol.KindError:
			return protocol.Message{}, fmt.Errorf("%s rejected: %s (%s)", msg.Kind, reply.Text, reply.Code)
		}
	}
}

// CreateBucket mints a workspace bucket. Requires a service token.
func (c *Client) CreateBucket(name, region string, isTemplate bool) (*types.Bucket, error) {
	reply, err := c.roundTrip(protocol.Message{
		Kind:       protocol.KindCreateBucket,
		Name:       name,
		Region:     region,
		IsTemplate: isTemplate,
	}, protocol.KindBucketCreated)
	if err != nil {
		return nil, err
	}
	return reply.Bucket, nil
}

// CloneBucket deep-copies a bucket server-side. Requires a service token.
func (c *Client) CloneBucket(srcBucketID string) (*types.Bucket, error) {
	reply, err := c.roundTrip(protocol.Message{
		Kind:     protocol.KindCloneBucket,
		BucketID: srcBucketID,
	}, protocol.KindBucketCloned)
	if err != nil {
		return nil, err
	}
	return reply.Bucket, nil
}

// TombstoneBucket soft-deletes a bucket. Requires a service token.
func (c *Client) TombstoneBucket(bucketID string) error {
	_, err := c.roundTrip(protocol.Message{
		Kind:     protocol.KindTombstoneBucket,
		BucketID: bucketID,
	}, protocol.KindOK)
	return err
}

// ListFiles fetches a bucket's object paths synchronously. Only for
// dedicated administrative connections.
func (c *Client) ListFiles(bucketID string) ([]string, error) {
	reply, err := c.roundTrip(protocol.Message{
		Kind:     protocol.KindListFiles,
		BucketID: bucketID,
	}, protocol.KindFileList)
	if err != nil {
		return nil, err
	}
	return reply.Paths, nil
}
