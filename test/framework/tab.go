package framework

import (
	"context"
	"fmt"
	"sync"

	"github.com/studioclass/codesync/pkg/client"
	"github.com/studioclass/codesync/pkg/crdt"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// Tab simulates one IDE tab: a websocket connection subscribed to a single
// document, with a live replica kept current by a background read loop.
type Tab struct {
	Client *client.Client

	key types.DocumentKey

	mu  sync.Mutex
	doc *crdt.Doc

	// Errors receives error frames the server sends this tab. Buffered so a
	// tab that never checks them does not wedge the read loop.
	Errors chan protocol.Message
	// Tree receives file-tree-change frames for the tab's bucket.
	Tree chan protocol.Message

	done chan struct{}
}

// OpenTab dials, subscribes to key, and waits for the initial document
// state. The returned tab tracks the document until Close.
func OpenTab(ctx context.Context, h *Harness, userID string, key types.DocumentKey) (*Tab, error) {
	token, err := h.BrowserToken(userID)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, h.URL, token)
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(key.BucketID, key.Path); err != nil {
		c.Close()
		return nil, err
	}

	tab := &Tab{
		Client: c,
		key:    key,
		Errors: make(chan protocol.Message, 16),
		Tree:   make(chan protocol.Message, 16),
		done:   make(chan struct{}),
	}

	for {
		msg, err := c.Recv()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("awaiting document state: %w", err)
		}
		if msg.Kind == protocol.KindError {
			c.Close()
			return nil, fmt.Errorf("subscribe rejected: %s: %s", msg.Code, msg.Text)
		}
		if msg.Kind == protocol.KindDocumentState {
			doc, err := crdt.DecodeState(crdt.RandomSite(), msg.State)
			if err != nil {
				c.Close()
				return nil, err
			}
			tab.doc = doc
			break
		}
	}

	go tab.readLoop()
	return tab, nil
}

func (tb *Tab) readLoop() {
	defer close(tb.done)
	for {
		msg, err := tb.Client.Recv()
		if err != nil {
			return
		}
		switch msg.Kind {
		case protocol.KindUpdate:
			if msg.BucketID != tb.key.BucketID || msg.FilePath != tb.key.Path {
				continue
			}
			tb.mu.Lock()
			_ = tb.doc.ApplyUpdate(msg.Update)
			tb.mu.Unlock()
		case protocol.KindError:
			select {
			case tb.Errors <- msg:
			default:
			}
		case protocol.KindFileTreeChange:
			select {
			case tb.Tree <- msg:
			default:
			}
		}
	}
}

// Text returns the tab's current view of the document.
func (tb *Tab) Text() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.doc.Text()
}

// TextLen returns the replica length in runes.
func (tb *Tab) TextLen() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.doc.Len()
}

// Replace rewrites the whole document, as an editor buffer save does, and
// sends the resulting update.
func (tb *Tab) Replace(text string) error {
	tb.mu.Lock()
	update, err := tb.doc.ReplaceAll(text)
	tb.mu.Unlock()
	if err != nil {
		return err
	}
	return tb.Client.SendUpdate(tb.key, update, "")
}

// Insert types text at a rune position and sends the resulting update.
func (tb *Tab) Insert(pos int, text string) error {
	tb.mu.Lock()
	update, err := tb.doc.Insert(pos, text)
	tb.mu.Unlock()
	if err != nil {
		return err
	}
	return tb.Client.SendUpdate(tb.key, update, "")
}

// Closed reports whether the server has dropped this tab's connection.
func (tb *Tab) Closed() bool {
	select {
	case <-tb.done:
		return true
	default:
		return false
	}
}

// Close tears the connection down and waits for the read loop to exit.
func (tb *Tab) Close() {
	tb.Client.Close()
	<-tb.done
}
