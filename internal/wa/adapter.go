// Package wa implements the transport boundary over whatsmeow. Every user
// gets an isolated credential store under the gateway's auth directory, so
// purging one user never touches another's session material.
package wa

import (
	"context"
	"fmt"
	"os"

	"github.com/hmartins/wagate/internal/config"
	"github.com/hmartins/wagate/internal/transport"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Dialer creates whatsmeow-backed connections and owns the per-user
// credential directories.
type Dialer struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDialer creates the connection factory.
func NewDialer(cfg *config.Config, logger *zap.Logger) *Dialer {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WAGate", [3]uint32{0, 1, 0})

	return &Dialer{cfg: cfg, logger: logger.Named("wa")}
}

// Dial opens a session for the user. When no credentials exist yet the
// returned connection streams QR events until the code is scanned; with
// stored credentials it proceeds straight to EventOpen.
func (d *Dialer) Dial(ctx context.Context, userID string) (transport.Conn, error) {
	if err := config.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.cfg.AuthDir(userID), 0700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", d.cfg.CredentialDBPath(userID)),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(device, nil)
	// Reconnection is the orchestrator's decision, not the client's.
	client.EnableAutoReconnect = false

	c := newConn(userID, client, d.logger.With(zap.String("user_id", userID)))
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		// GetQRChannel must be called before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		go c.pumpQR(qrChan)
		return c, nil
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// PurgeCredentials deletes the user's entire credential directory.
func (d *Dialer) PurgeCredentials(userID string) error {
	if err := config.ValidateUserID(userID); err != nil {
		return err
	}
	d.logger.Info("purging credentials", zap.String("user_id", userID))
	return os.RemoveAll(d.cfg.AuthDir(userID))
}
