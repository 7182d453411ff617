package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"stackmem/pkg/protocol"
)

// ObjectOptions configures the object-store tier.
type ObjectOptions struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string
	// Prefix namespaces this deployment's objects within the bucket.
	Prefix string
	// CredentialsFile points at a service-account key; empty uses
	// application default credentials.
	CredentialsFile string
}

// frameDoc is the persisted document: the frame plus its events and
// anchors in one object, so a frame round-trips in a single read.
type frameDoc struct {
	Frame   protocol.Frame    `json:"frame"`
	Events  []protocol.Event  `json:"events,omitempty"`
	Anchors []protocol.Anchor `json:"anchors,omitempty"`
}

// ObjectAdapter is the archival backend: one JSON document per frame
// under <prefix>frames/<id>.json. Reads and writes are whole-document;
// run the tier behind a pool of size 1 so read-modify-write cycles do
// not interleave.
type ObjectAdapter struct {
	opts   ObjectOptions
	client *gcs.Client
}

var _ Adapter = (*ObjectAdapter)(nil)

// NewObjectAdapter creates an adapter for the bucket in opts.
// Connect must be called before any other operation.
func NewObjectAdapter(opts ObjectOptions) *ObjectAdapter {
	return &ObjectAdapter{opts: opts}
}

// Connect creates the GCS client. No-op when already connected.
func (a *ObjectAdapter) Connect(ctx context.Context) error {
	if a.client != nil {
		return nil
	}
	if a.opts.Bucket == "" {
		return fmt.Errorf("object adapter: bucket is required")
	}

	var clientOpts []option.ClientOption
	if a.opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(a.opts.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("create gcs client: %w", err)
	}
	a.client = client
	return nil
}

// Disconnect closes the client. Idempotent.
func (a *ObjectAdapter) Disconnect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	if err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// InitializeSchema is a no-op: buckets are provisioned out of band.
func (a *ObjectAdapter) InitializeSchema(ctx context.Context) error { return nil }

// objectName returns the bucket path for a frame document.
func (a *ObjectAdapter) objectName(frameID string) string {
	return a.opts.Prefix + "frames/" + frameID + ".json"
}

// readDoc fetches and decodes one frame document, (nil, nil) when the
// object does not exist.
func (a *ObjectAdapter) readDoc(ctx context.Context, frameID string) (*frameDoc, error) {
	r, err := a.client.Bucket(a.opts.Bucket).Object(a.objectName(frameID)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", a.objectName(frameID), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", a.objectName(frameID), err)
	}

	var doc frameDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", a.objectName(frameID), err)
	}
	return &doc, nil
}

// writeDoc encodes and uploads one frame document.
func (a *ObjectAdapter) writeDoc(ctx context.Context, doc *frameDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode frame %s: %w", doc.Frame.FrameID, err)
	}

	w := a.client.Bucket(a.opts.Bucket).Object(a.objectName(doc.Frame.FrameID)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", a.objectName(doc.Frame.FrameID), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object %s: %w", a.objectName(doc.Frame.FrameID), err)
	}
	return nil
}

// CreateFrame uploads a new frame document.
func (a *ObjectAdapter) CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error) {
	if err := a.writeDoc(ctx, &frameDoc{Frame: *frame}); err != nil {
		return "", err
	}
	return frame.FrameID, nil
}

// GetFrame returns the frame, or (nil, nil) when the id is unknown.
func (a *ObjectAdapter) GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error) {
	doc, err := a.readDoc(ctx, frameID)
	if err != nil || doc == nil {
		return nil, err
	}
	frame := doc.Frame
	return &frame, nil
}

// UpdateFrame read-modify-writes the document; unknown ids are a silent
// no-op.
func (a *ObjectAdapter) UpdateFrame(ctx context.Context, frameID string, update FrameUpdate) error {
	doc, err := a.readDoc(ctx, frameID)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	applyUpdate(&doc.Frame, update)
	return a.writeDoc(ctx, doc)
}

// listDocs iterates every frame document under the prefix.
func (a *ObjectAdapter) listDocs(ctx context.Context) ([]frameDoc, error) {
	it := a.client.Bucket(a.opts.Bucket).Objects(ctx, &gcs.Query{Prefix: a.opts.Prefix + "frames/"})

	var docs []frameDoc
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate objects: %w", err)
		}

		id := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, a.opts.Prefix+"frames/"), ".json")
		doc, err := a.readDoc(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// ListFrames scans the prefix and filters. The object tier is archival;
// listings are expected to be rare and retention-bounded.
func (a *ObjectAdapter) ListFrames(ctx context.Context, query FrameQuery) ([]protocol.Frame, error) {
	docs, err := a.listDocs(ctx)
	if err != nil {
		return nil, err
	}

	var frames []protocol.Frame
	for _, doc := range docs {
		f := doc.Frame
		if query.ProjectID != "" && f.ProjectID != query.ProjectID {
			continue
		}
		if query.RunID != "" && f.RunID != query.RunID {
			continue
		}
		if query.State != "" && f.State != query.State {
			continue
		}
		frames = append(frames, f)
	}

	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].CreatedAt.Before(frames[j].CreatedAt)
	})
	if query.Limit > 0 && len(frames) > query.Limit {
		frames = frames[:query.Limit]
	}
	return frames, nil
}

// AppendEvent read-modify-writes the owning document.
func (a *ObjectAdapter) AppendEvent(ctx context.Context, event *protocol.Event) error {
	doc, err := a.readDoc(ctx, event.FrameID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("append event: %w", &protocol.FrameNotFoundError{FrameID: event.FrameID})
	}
	doc.Events = append(doc.Events, *event)
	return a.writeDoc(ctx, doc)
}

// ListEvents returns the document's events ordered by ascending
// timestamp.
func (a *ObjectAdapter) ListEvents(ctx context.Context, frameID string, query EventQuery) ([]protocol.Event, error) {
	doc, err := a.readDoc(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	var events []protocol.Event
	for _, e := range doc.Events {
		if query.Type != "" && e.Type != query.Type {
			continue
		}
		if query.After != nil && e.Timestamp.Before(*query.After) {
			continue
		}
		if query.Before != nil && e.Timestamp.After(*query.Before) {
			continue
		}
		events = append(events, e)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if query.Limit > 0 && len(events) > query.Limit {
		events = events[len(events)-query.Limit:]
	}
	return events, nil
}

// AddAnchor read-modify-writes the owning document.
func (a *ObjectAdapter) AddAnchor(ctx context.Context, anchor *protocol.Anchor) error {
	doc, err := a.readDoc(ctx, anchor.FrameID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("add anchor: %w", &protocol.FrameNotFoundError{FrameID: anchor.FrameID})
	}
	doc.Anchors = append(doc.Anchors, *anchor)
	return a.writeDoc(ctx, doc)
}

// ListAnchors returns the document's anchors ordered by descending
// priority.
func (a *ObjectAdapter) ListAnchors(ctx context.Context, frameID string) ([]protocol.Anchor, error) {
	doc, err := a.readDoc(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	anchors := make([]protocol.Anchor, len(doc.Anchors))
	copy(anchors, doc.Anchors)
	sort.SliceStable(anchors, func(i, j int) bool {
		return anchors[i].Priority > anchors[j].Priority
	})
	return anchors, nil
}

// Search scans the prefix and ranks client-side. Empty queries return
// zero rows.
func (a *ObjectAdapter) Search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, nil
	}

	docs, err := a.listDocs(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string][]protocol.Anchor, len(docs))
	frames := make([]protocol.Frame, 0, len(docs))
	for _, doc := range docs {
		frames = append(frames, doc.Frame)
		byID[doc.Frame.FrameID] = doc.Anchors
	}

	hits := rankFrames(frames, params, time.Now())
	for i := range hits {
		hits[i].MaxAnchorPriority = maxAnchorPriority(byID[hits[i].Frame.FrameID])
	}
	return hits, nil
}

// Sweep deletes closed frame documents created before the cutoff.
func (a *ObjectAdapter) Sweep(ctx context.Context, before time.Time) (int, error) {
	docs, err := a.listDocs(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, doc := range docs {
		if doc.Frame.State == protocol.StateActive || !doc.Frame.CreatedAt.Before(before) {
			continue
		}
		obj := a.client.Bucket(a.opts.Bucket).Object(a.objectName(doc.Frame.FrameID))
		if err := obj.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return swept, fmt.Errorf("delete object %s: %w", a.objectName(doc.Frame.FrameID), err)
		}
		swept++
	}
	return swept, nil
}
