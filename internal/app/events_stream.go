package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

const (
	eventBufferSize   = 64
	eventWriteTimeout = 5 * time.Second

	// changeSnapshot открывает поток текущим статусом движка.
	changeSnapshot domain.ChangeType = "snapshot"
)

// streamEvents транслирует события движка в websocket. Наблюдатели движка
// вызываются синхронно, поэтому при переполнении буфера события отбрасываются.
func (h *httpHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// Входящие сообщения клиента не нужны; CloseRead отменит ctx при разрыве.
	ctx := conn.CloseRead(r.Context())

	events := make(chan domain.Change, eventBufferSize)
	unsubscribe := h.engine.Subscribe(func(change domain.Change) {
		select {
		case events <- change:
		default:
			h.logger.WithField("type", change.Type).Debug("event stream buffer full, dropping event")
		}
	})
	defer unsubscribe()

	snapshot := domain.Change{Type: changeSnapshot, Data: h.engine.GetStatus(), Timestamp: time.Now().UTC()}
	if err := writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change := <-events:
			if err := writeEvent(ctx, conn, change); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.WithError(err).Debug("event stream write failed")
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, change domain.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
