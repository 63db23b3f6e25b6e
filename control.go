package offlinecache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	platformerrors "github.com/jmgilman/go/errors"
)

// OpType names a control operation on the wire.
type OpType string

const (
	OpCacheResource OpType = "CACHE_RESOURCE"
	OpCleanup       OpType = "CLEANUP"
	OpStatus        OpType = "STATUS"
	OpListDocuments OpType = "LIST_DOCUMENTS"
)

// Op is a control operation sent by the foreground application.
type Op interface {
	Type() OpType
}

// CacheResource fetches a URL into the document partition.
type CacheResource struct {
	URL string `json:"url"`
}

// Cleanup deletes partitions of other generations and evicts the current ones.
type Cleanup struct{}

// Status reports the entry count of every partition.
type Status struct{}

// ListDocuments reports the cached documents with their provenance.
type ListDocuments struct{}

func (CacheResource) Type() OpType { return OpCacheResource }
func (Cleanup) Type() OpType       { return OpCleanup }
func (Status) Type() OpType        { return OpStatus }
func (ListDocuments) Type() OpType { return OpListDocuments }

// Message carries an operation and the channel its reply is delivered on.
// A nil Reply means the sender does not want a reply.
type Message struct {
	Op    Op
	Reply chan<- Reply
}

// Reply is the outcome of a control operation.
type Reply struct {
	Type    OpType `json:"type"`
	Success bool   `json:"success"`
	// The resource could not be fetched and was queued for a retry.
	Queued bool                         `json:"queued,omitempty"`
	Error  *platformerrors.ErrorResponse `json:"error,omitempty"`
	// Entry count per partition, for STATUS.
	Counts map[string]int `json:"counts,omitempty"`
	// Cached documents, for LIST_DOCUMENTS.
	Documents []DocumentInfo `json:"documents,omitempty"`
	// Partitions deleted and entries evicted by CLEANUP.
	Deleted []string `json:"deleted,omitempty"`
	Evicted int      `json:"evicted,omitempty"`
}

// DocumentInfo describes one entry of the document partition.
type DocumentInfo struct {
	URL          string    `json:"url"`
	DeclaredType string    `json:"declaredType"`
	FetchedAt    time.Time `json:"fetchedAt"`
	Size         int       `json:"size"`
}

type wireOp struct {
	Type OpType          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeOp parses the JSON form {"type": ..., "data": ...} of an operation.
func DecodeOp(b []byte) (Op, error) {
	var w wireOp
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, platformerrors.Wrap(err, CodeInvalidInput, "malformed control message")
	}
	switch w.Type {
	case OpCacheResource:
		var op CacheResource
		if len(w.Data) == 0 {
			return nil, invalidInput("%s needs data", w.Type)
		}
		if err := json.Unmarshal(w.Data, &op); err != nil {
			return nil, platformerrors.Wrap(err, CodeInvalidInput, "malformed CACHE_RESOURCE data")
		}
		if op.URL == "" {
			return nil, invalidInput("%s needs a url", w.Type)
		}
		return op, nil
	case OpCleanup:
		return Cleanup{}, nil
	case OpStatus:
		return Status{}, nil
	case OpListDocuments:
		return ListDocuments{}, nil
	}
	return nil, invalidInput("unknown control operation %q", w.Type)
}

// EncodeOp renders an operation in its JSON form.
func EncodeOp(op Op) ([]byte, error) {
	w := wireOp{Type: op.Type()}
	if _, ok := op.(CacheResource); ok {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// Control runs a single operation and returns its reply.
func (l *Layer) Control(ctx context.Context, op Op) Reply {
	reply := Reply{Type: op.Type()}
	var err error
	switch o := op.(type) {
	case CacheResource:
		err = l.controlCacheResource(o, &reply)
	case Cleanup:
		err = l.controlCleanup(ctx, &reply)
	case Status:
		reply.Counts, err = l.counts()
	case ListDocuments:
		reply.Documents, err = l.documents()
	default:
		err = invalidInput("unknown control operation %q", op.Type())
	}
	if err != nil {
		l.log.Warn().Err(err).Str("op", string(op.Type())).Msg("Control operation failed")
		reply.Error = platformerrors.ToJSON(err)
		return reply
	}
	reply.Success = true
	return reply
}

// ServeControl handles messages until ch is closed or ctx is done.
// Messages are handled concurrently and replies are delivered as they complete.
func (l *Layer) ServeControl(ctx context.Context, ch <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Op == nil {
				l.log.Warn().Msg("Ignoring control message without operation")
				continue
			}
			l.goBackground(func() {
				reply := l.Control(ctx, msg.Op)
				if msg.Reply == nil {
					return
				}
				select {
				case msg.Reply <- reply:
				case <-ctx.Done():
				}
			})
		}
	}
}

func (l *Layer) controlCacheResource(op CacheResource, reply *Reply) error {
	_, err := l.cacheDocument(op.URL)
	if err != nil && IsNetworkUnavailable(err) {
		err = l.deferDocument(op.URL, err)
		reply.Queued = IsOfflineActionQueued(err)
	}
	return err
}

func (l *Layer) controlCleanup(ctx context.Context, reply *Reply) error {
	deleted, err := l.teardown(ctx)
	reply.Deleted = deleted
	if err != nil {
		return err
	}
	reply.Evicted, err = l.evictAll()
	return err
}

// counts returns the entry count of every partition in the store.
func (l *Layer) counts() (map[string]int, error) {
	partitions, err := l.cache.Partitions()
	if err != nil {
		return nil, storeUnavailable(err, "")
	}
	counts := make(map[string]int, len(partitions))
	for _, name := range partitions {
		n, err := l.cache.Count(name)
		if err != nil {
			return nil, storeUnavailable(err, name)
		}
		counts[name] = n
	}
	return counts, nil
}

func (l *Layer) documents() ([]DocumentInfo, error) {
	partition := l.partitionName(cache.ClassDocument)
	keys, err := l.cache.Keys(partition)
	if err != nil {
		return nil, storeUnavailable(err, partition)
	}
	docs := make([]DocumentInfo, 0, len(keys))
	for _, key := range keys {
		ce, ok, err := l.cache.Get(partition, key)
		if err != nil {
			return nil, storeUnavailable(err, partition)
		}
		if !ok {
			// evicted meanwhile
			continue
		}
		sRes, err := serializer.BytesToStoredResponse(ce.Bytes, nil)
		if err != nil {
			l.log.Error().Err(err).Str("key", key).Msg("Could not read stored document")
			continue
		}
		sRes.Response.Body.Close()
		info := DocumentInfo{
			URL:          sRes.SourceURL,
			DeclaredType: sRes.DeclaredType,
			FetchedAt:    sRes.FetchedAt,
			Size:         serializer.BodySize(ce.Bytes),
		}
		if info.URL == "" {
			info.URL = key
		}
		docs = append(docs, info)
	}
	return docs, nil
}
