package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// PushDispatcher tries the driver's websocket first and falls back to
// posting the offer to a webhook, then to Fallback if no webhook is set.
type PushDispatcher struct {
	WS       *WSRegistry
	Endpoint string
	Client   *http.Client
	Fallback Dispatcher
	Logger   *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, endpoint string, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{
		WS:       ws,
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Fallback: &LogDispatcher{Logger: logger},
		Logger:   logger,
	}
}

func (p *PushDispatcher) Offer(ctx context.Context, offer models.AssignmentOffer) error {
	if p.WS != nil {
		err := p.WS.Offer(ctx, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && p.Logger != nil {
			p.Logger.WarnContext(ctx, "ws offer failed", slog.String("driver_id", offer.DriverID), slog.Any("error", err))
		}
	}
	if p.Endpoint == "" {
		if p.Fallback == nil {
			return ErrNoSession
		}
		return p.Fallback.Offer(ctx, offer)
	}

	b, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook status %d", resp.StatusCode)
	}
	return nil
}
