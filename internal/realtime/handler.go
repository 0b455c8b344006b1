package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/campusgate/campusgate/internal/platform/httpx"
	"github.com/campusgate/campusgate/internal/shared"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TenantFunc yields the school of the request's session.
type TenantFunc func(r *http.Request) (string, bool)

// Frame is one websocket message: the whole current list of the projection.
type Frame struct {
	Table   string `json:"table"`
	Loading bool   `json:"loading"`
	Rows    any    `json:"rows"`
	Error   string `json:"error,omitempty"`
}

type liveList interface {
	frame() Frame
	Updates() <-chan struct{}
	Done() <-chan struct{}
	Close()
}

type opener func(ctx context.Context, src Source, q Query, logger *slog.Logger) (liveList, error)

func openTyped[T Row](ctx context.Context, src Source, q Query, logger *slog.Logger) (liveList, error) {
	p, err := Subscribe[T](ctx, src, q, logger)
	if err != nil {
		return nil, err
	}
	return typedList[T]{p}, nil
}

type typedList[T Row] struct {
	*Projection[T]
}

func (l typedList[T]) frame() Frame {
	f := Frame{Table: l.query.Table, Loading: l.Loading(), Rows: l.List()}
	if err := l.Err(); err != nil {
		f.Error = "snapshot unavailable"
	}
	return f
}

var openers = map[string]opener{
	"messages":       openTyped[Message],
	"leave_requests": openTyped[LeaveRequest],
	"announcements":  openTyped[Announcement],
}

// Handler streams projections to browser tabs over websockets.
type Handler struct {
	source   Source
	tenant   TenantFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket handler. Origins are checked by checkOrigin;
// nil keeps the same-origin default.
func NewHandler(source Source, tenant TenantFunc, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source: source,
		tenant: tenant,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Routes mounts the realtime endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{table}", h.stream)
	return r
}

// ParseQuery builds a query from the path table and URL parameters. Every
// parameter other than order, desc and the tab id is an equality filter.
func ParseQuery(table string, r *http.Request) (Query, error) {
	values := r.URL.Query()
	q := Query{Table: table, OrderBy: values.Get("order")}
	if desc := values.Get("desc"); desc != "" {
		parsed, err := strconv.ParseBool(desc)
		if err != nil {
			return Query{}, errors.New("realtime: desc must be a boolean")
		}
		q.Descending = parsed
	}
	for column, vals := range values {
		if column == "order" || column == "desc" || column == shared.TabQueryParam || len(vals) == 0 {
			continue
		}
		q.Filter = append(q.Filter, Condition{Column: column, Value: vals[0]})
	}
	return q, nil
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	open, ok := openers[table]
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Unknown Table", table)
		return
	}
	schoolID, ok := h.tenant(r)
	if !ok || schoolID == "" {
		httpx.Problem(w, http.StatusForbidden, "No Tenant", "session has no school")
		return
	}
	q, err := ParseQuery(table, r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	q = q.WithCondition(TenantColumn, schoolID)
	if err := q.Validate(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	list, err := open(ctx, h.source, q, h.logger)
	if err != nil {
		h.logger.Error("open projection", slog.String("table", table), slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		return
	}
	defer list.Close()

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, list)
}

// readPump drains client frames so control messages are processed; the first
// read error ends the stream.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, list liveList) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	if err := h.send(conn, list.frame()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-list.Done():
			return
		case <-list.Updates():
			if err := h.send(conn, list.frame()); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		h.logger.Debug("websocket write", slog.Any("error", err))
		return err
	}
	return nil
}
