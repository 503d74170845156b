package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/types"
)

// Kind discriminates wire messages. Values are stable wire contract.
type Kind string

const (
	// Client to server.
	KindSubscribe       Kind = "subscribe-document"
	KindUnsubscribe     Kind = "unsubscribe-document"
	KindListFiles       Kind = "list-files"
	KindCreateBucket    Kind = "create-bucket"
	KindCloneBucket     Kind = "clone-bucket"
	KindTombstoneBucket Kind = "tombstone-bucket"

	// Server to client.
	KindDocumentState Kind = "document-state"
	KindFileList      Kind = "file-list"
	KindBucketCreated Kind = "bucket-created"
	KindBucketCloned  Kind = "bucket-cloned"
	KindOK            Kind = "ok"
	KindError         Kind = "error"

	// Both directions.
	KindUpdate         Kind = "yjs-update"
	KindFileTreeChange Kind = "file-tree-change"
)

// Message is the JSON frame exchanged on the sync stream. One struct covers
// every kind; unused fields are omitted on the wire. State and Update are
// opaque CRDT bytes, base64-encoded by encoding/json.
type Message struct {
	Kind     Kind   `json:"kind"`
	BucketID string `json:"bucketId,omitempty"`
	FilePath string `json:"filePath,omitempty"`

	State  []byte `json:"state,omitempty"`
	Update []byte `json:"update,omitempty"`
	Origin string `json:"origin,omitempty"`

	Action types.TreeAction `json:"action,omitempty"`

	Paths []string `json:"paths,omitempty"`

	Name       string        `json:"name,omitempty"`
	Region     string        `json:"region,omitempty"`
	IsTemplate bool          `json:"isTemplate,omitempty"`
	Bucket     *types.Bucket `json:"bucket,omitempty"`

	Code string `json:"code,omitempty"`
	Text string `json:"message,omitempty"`
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Kind, err)
	}
	return data, nil
}

// Decode parses and validates one inbound frame. Violations wrap
// errdefs.ErrMalformedUpdate so the session layer answers them as typed
// per-message rejects.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %v: %w", err, errdefs.ErrMalformedUpdate)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the frame carries the fields its kind requires.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindSubscribe, KindUnsubscribe:
		return m.requireKey()
	case KindUpdate:
		if err := m.requireKey(); err != nil {
			return err
		}
		if len(m.Update) == 0 {
			return badFrame("%s frame without update bytes", m.Kind)
		}
	case KindDocumentState:
		return m.requireKey()
	case KindFileTreeChange:
		if err := m.requireKey(); err != nil {
			return err
		}
		if !m.Action.Valid() {
			return badFrame("file-tree-change with action %q", m.Action)
		}
	case KindListFiles, KindCloneBucket, KindTombstoneBucket:
		if m.BucketID == "" {
			return badFrame("%s frame without bucketId", m.Kind)
		}
	case KindCreateBucket:
		if m.Name == "" {
			return badFrame("create-bucket frame without name")
		}
	case KindFileList, KindBucketCreated, KindBucketCloned, KindOK, KindError:
		// Server-to-client kinds; accepted as-is so clients can reuse Decode.
	case "":
		return badFrame("frame without kind")
	default:
		return badFrame("unknown kind %q", m.Kind)
	}
	return nil
}

func (m *Message) requireKey() error {
	if m.BucketID == "" {
		return badFrame("%s frame without bucketId", m.Kind)
	}
	if m.FilePath == "" {
		return badFrame("%s frame without filePath", m.Kind)
	}
	return nil
}

func badFrame(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrMalformedUpdate)...)
}

// Key returns the document key addressed by the frame, normalizing the path.
func (m *Message) Key() (types.DocumentKey, error) {
	k, err := types.Key(m.BucketID, m.FilePath)
	if err != nil {
		return types.DocumentKey{}, fmt.Errorf("%v: %w", err, errdefs.ErrMalformedUpdate)
	}
	return k, nil
}

// ErrorFrame builds the error reply for a failed message, mapping the error
// class to its wire code.
func ErrorFrame(err error, bucketID, filePath string) Message {
	return Message{
		Kind:     KindError,
		BucketID: bucketID,
		FilePath: filePath,
		Code:     errdefs.Code(err),
		Text:     err.Error(),
	}
}

// DocumentState builds the subscribe reply carrying full replica state.
func DocumentState(key types.DocumentKey, state []byte) Message {
	return Message{
		Kind:     KindDocumentState,
		BucketID: key.BucketID,
		FilePath: key.Path,
		State:    state,
	}
}

// UpdateFrame builds a yjs-update frame. origin travels with the frame so
// fan-out recipients (notably container agents) can suppress their own echo.
func UpdateFrame(key types.DocumentKey, update []byte, origin types.Origin) Message {
	return Message{
		Kind:     KindUpdate,
		BucketID: key.BucketID,
		FilePath: key.Path,
		Update:   update,
		Origin:   string(origin),
	}
}
