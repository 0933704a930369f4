package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/listener"
)

// Actions carried in the HeaderAction header.
const (
	ActionGet    = "get"
	ActionUpsert = "upsert"
	ActionDelete = "delete"

	ControlPing  = "ping"
	ControlStats = "stats"
)

// Values of the HeaderStatus response header.
const (
	StatusOK       = "ok"
	StatusNotFound = "not found"
	StatusInvalid  = "invalid"
	StatusError    = "error"
)

// Handler serves the store over FBM. It implements listener.Handler and
// listener.ControlHandler.
type Handler struct {
	store *Store
	log   *slog.Logger
	// AbortOnInvalid closes connections that send malformed messages.
	AbortOnInvalid bool
	// AllowPartialHeaders runs actions for messages whose headers
	// overflowed the header buffer or failed to decode. By default such
	// messages are answered with StatusInvalid and nothing is changed.
	AllowPartialHeaders bool
	// ExtraStats, if set, is merged into the stats control response.
	ExtraStats func() map[string]any
}

var (
	_ listener.Handler        = (*Handler)(nil)
	_ listener.ControlHandler = (*Handler)(nil)
)

// NewHandler creates a handler over s.
func NewHandler(s *Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: s, log: log}
}

// partialHeaders reports whether headers of the request were lost during
// parsing. A dropped header can change what an action does (a missing
// rename turns into an overwrite), so these are refused unless allowed.
func (h *Handler) partialHeaders(req *fbm.Request) bool {
	return !h.AllowPartialHeaders && req.ParseStatus&(fbm.HeaderOutOfMem|fbm.InvalidHeaderRead) != 0
}

func rejectPartial(resp *fbm.Response, req *fbm.Request, tag string) error {
	if err := writeStatus(resp, StatusInvalid, tag); err != nil {
		return err
	}
	return resp.WriteBody([]byte("malformed headers: "+req.ParseStatus.String()), fbm.ContentText)
}

func (h *Handler) HandleMessage(ctx context.Context, c *fbm.Context) error {
	req, resp := c.Request, c.Response
	if h.partialHeaders(req) {
		return rejectPartial(resp, req, "")
	}
	action, _ := req.Header(fbm.HeaderAction)
	id, _ := req.Header(fbm.HeaderObjectID)

	switch action {
	case ActionGet:
		obj, err := h.store.Get(ctx, id)
		if err != nil {
			return h.writeError(resp, err)
		}
		if err := writeStatus(resp, StatusOK, obj.ID); err != nil {
			return err
		}
		return resp.AddMessageBody(fbm.NewBytesBody(obj.ContentType, obj.Data))

	case ActionUpsert:
		newID, _ := req.Header(fbm.HeaderNewObjectID)
		ct := req.ContentType()
		if ct == fbm.ContentNone {
			ct = fbm.ContentBinary
		}
		obj, created, err := h.store.Upsert(ctx, id, newID, bytes.Clone(req.Body()), ct)
		if err != nil {
			return h.writeError(resp, err)
		}
		h.log.Debug("object stored", "conn_id", req.ConnectionID, "msg_id", req.MessageID,
			"id", obj.ID, "version", obj.Version, "created", created)
		return writeStatus(resp, StatusOK, obj.ID)

	case ActionDelete:
		if err := h.store.Delete(ctx, id); err != nil {
			return h.writeError(resp, err)
		}
		return writeStatus(resp, StatusOK, id)

	default:
		if err := resp.WriteHeader(fbm.HeaderStatus, StatusInvalid); err != nil {
			return err
		}
		return resp.WriteBody([]byte("unknown action "+action), fbm.ContentText)
	}
}

func writeStatus(resp *fbm.Response, status, id string) error {
	if err := resp.WriteHeader(fbm.HeaderStatus, status); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return resp.WriteHeader(fbm.HeaderObjectID, id)
}

// writeError maps store errors onto a status response. Cancellation is
// returned as an error since nobody is waiting for the answer.
func (h *Handler) writeError(resp *fbm.Response, err error) error {
	var status string
	switch {
	case errors.Is(err, ErrNotFound):
		status = StatusNotFound
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrTooLarge), errors.Is(err, ErrMaxObjects):
		status = StatusInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		status = StatusError
	}
	if werr := resp.WriteHeader(fbm.HeaderStatus, status); werr != nil {
		return werr
	}
	return resp.WriteBody([]byte(err.Error()), fbm.ContentText)
}

// HandleControl answers control frames. A HeaderObjectID on the request is
// echoed in the reply so clients can tell replies to abandoned control
// requests apart.
func (h *Handler) HandleControl(ctx context.Context, c *fbm.Context) error {
	resp := c.Response
	tag, _ := c.Request.Header(fbm.HeaderObjectID)
	if h.partialHeaders(c.Request) {
		return rejectPartial(resp, c.Request, tag)
	}
	action, _ := c.Request.Header(fbm.HeaderAction)
	switch action {
	case ControlPing:
		if err := writeStatus(resp, StatusOK, tag); err != nil {
			return err
		}
		return resp.WriteBody([]byte("pong"), fbm.ContentText)
	case ControlStats:
		out := map[string]any{"store": h.store.Stats()}
		if h.ExtraStats != nil {
			for k, v := range h.ExtraStats() {
				out[k] = v
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := writeStatus(resp, StatusOK, tag); err != nil {
			return err
		}
		return resp.WriteBody(data, fbm.ContentJSON)
	default:
		if err := writeStatus(resp, StatusInvalid, tag); err != nil {
			return err
		}
		return resp.WriteBody([]byte("unknown control action "+action), fbm.ContentText)
	}
}

func (h *Handler) OnInvalidMessage(c *fbm.Context, err error) bool {
	h.log.Warn("invalid message", "conn_id", c.Request.ConnectionID, "msg_id", c.Request.MessageID, "err", err)
	return !h.AbortOnInvalid
}

func (h *Handler) OnProcessError(err error) {
	var pe *listener.PanicError
	switch {
	case errors.As(err, &pe):
		h.log.Error("handler panic", "err", err, "stack", string(pe.Stack))
	case errors.Is(err, listener.ErrClosed), errors.Is(err, context.Canceled):
		h.log.Debug("message dropped", "err", err)
	default:
		h.log.Warn("message processing failed", "err", err)
	}
}
