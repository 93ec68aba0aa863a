package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/connection"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/serving"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ViewFunc produces the combined view pushed to subscribers.
type ViewFunc func(ctx context.Context) serving.View

// Hub pushes the combined view to every websocket subscriber on a fixed
// interval and once on connect.
type Hub struct {
	clients  *connection.Manager
	view     ViewFunc
	interval time.Duration
	idle     time.Duration
	log      logrus.FieldLogger
}

// NewHub returns a Hub pushing view to clients every interval.
func NewHub(clients *connection.Manager, view ViewFunc, interval time.Duration, log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:  clients,
		view:     view,
		interval: interval,
		idle:     pongWait,
		log:      log,
	}
}

// Run broadcasts until ctx is done, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients.Snapshot() {
				h.drop(c)
			}
			return
		case <-ticker.C:
			h.reapInactive()
			if h.clients.Count() > 0 {
				h.Broadcast(h.view(ctx))
			}
		}
	}
}

// Broadcast sends v to every subscriber and drops the ones that fail.
func (h *Hub) Broadcast(v interface{}) {
	for _, c := range h.clients.Snapshot() {
		if err := c.Send(v, writeWait); err != nil {
			h.log.WithField("connection_id", c.ConnectionID).WithError(err).Debug("websocket write failed")
			h.drop(c)
		}
	}
}

// Stats reports the subscriber count and capacity.
func (h *Hub) Stats() connection.ManagerStats {
	return h.clients.Stats()
}

func (h *Hub) reapInactive() {
	for _, id := range h.clients.GetInactiveConnections(h.idle) {
		if c, ok := h.clients.Get(id); ok {
			h.log.WithField("connection_id", id).Info("closing inactive websocket subscriber")
			h.drop(c)
		}
	}
}

// drop closes and unregisters c. The read loop's own cleanup tolerates the
// client already being gone.
func (h *Hub) drop(c *connection.ClientInfo) {
	c.Conn.Close()
	if err := h.clients.Unregister(c.ConnectionID); err == nil {
		metrics.WebsocketClients.Dec()
	}
}

// ServeWS handles GET /v1/ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	log := h.log.WithFields(logrus.Fields{"connection_id": connectionID, "remote": r.RemoteAddr})

	client, err := h.clients.Register(connectionID, r.RemoteAddr, conn)
	if err != nil {
		log.WithError(err).Warn("rejecting websocket subscriber")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	metrics.WebsocketClients.Inc()
	log.WithField("total", h.clients.Count()).Info("websocket subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.drop(client)
		log.Info("websocket subscriber disconnected")
	}()

	if err := client.Send(h.view(ctx), writeWait); err != nil {
		log.WithError(err).Debug("initial view write failed")
		return
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.clients.UpdateActivity(connectionID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Subscribers never send data; reading surfaces control frames and close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
		h.clients.UpdateActivity(connectionID)
	}
}
